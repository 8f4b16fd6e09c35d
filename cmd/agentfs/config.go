package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

func runConfig(ctx context.Context, args []string, stdout io.Writer) error {
	var f configFlags
	validate := true
	fs := pflag.NewFlagSet("agentfs config", pflag.ContinueOnError)
	f.register(fs)
	fs.BoolVar(&validate, "validate", true, "fail when the configuration is invalid")
	fs.Usage = func() {
		fmt.Fprintf(stdout, "Usage: agentfs config [flags]\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}
