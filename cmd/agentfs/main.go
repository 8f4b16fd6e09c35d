// agentfs mounts an in-memory, branchable filesystem for agent sandboxes
// and drives its control plane.
//
// Usage:
//
//	agentfs mount [flags] <mountpoint>
//	agentfs config [flags]
//	agentfs control [flags] <request-file|->
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/config"
	"github.com/agentharbor/agentfs/pkg/utils"
)

// version is set by the linker.
var version = "dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"mount", "mount a filesystem and serve it until interrupted", runMount},
	{"config", "print the effective configuration as YAML", runConfig},
	{"control", "send a control request to a running mount", runControl},
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Fprintf(stdout, "agentfs %s\n", version)
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout)
		}
	}
	return fmt.Errorf("unknown command %q (see agentfs help)", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "AgentFS: copy-on-write branches for agent workspaces.\n\nUsage:\n  agentfs <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun 'agentfs <command> --help' for command flags.\n")
}

// configFlags are shared by every command that needs a configuration.
type configFlags struct {
	path     string
	logLevel string
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "override global.log_level (DEBUG, INFO, WARN, ERROR)")
}

// load applies defaults, then the file, then AGENTFS_* variables, then
// flags.
func (f *configFlags) load() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.path != "" {
		if err := cfg.LoadFromFile(f.path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Configuration) (*zap.Logger, func() error, error) {
	lc := utils.LogConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	}
	if cfg.Global.LogFile != "" {
		rotation := &utils.RotationConfig{MaxBackups: cfg.Global.LogMaxBackups, Compress: true}
		if cfg.Global.LogMaxSize != "" {
			n, err := utils.ParseBytes(cfg.Global.LogMaxSize)
			if err != nil {
				return nil, nil, fmt.Errorf("global.log_max_size: %w", err)
			}
			rotation.MaxSize = n
		}
		lc.Rotation = rotation
	}
	return utils.NewLogger(lc)
}
