package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/adapter"
	"github.com/agentharbor/agentfs/internal/config"
)

type mountFlags struct {
	configFlags
	allowOther bool
	debug      bool
	spill      string
	spillDir   string
	api        string
	metrics    bool
}

func (f *mountFlags) apply(cfg *config.Configuration, fs *pflag.FlagSet) {
	if fs.Changed("allow-other") {
		cfg.FUSE.AllowOther = f.allowOther
	}
	if fs.Changed("debug") {
		cfg.FUSE.Debug = f.debug
	}
	if fs.Changed("spill") {
		cfg.Memory.Spill.Backend = f.spill
	}
	if fs.Changed("spill-dir") {
		cfg.Memory.Spill.Directory = f.spillDir
	}
	if fs.Changed("api") {
		cfg.Monitoring.API.Enabled = f.api != ""
		cfg.Monitoring.API.Address = f.api
	}
	if fs.Changed("metrics") {
		cfg.Monitoring.Metrics.Enabled = f.metrics
	}
}

func runMount(ctx context.Context, args []string, stdout io.Writer) error {
	var f mountFlags
	fs := pflag.NewFlagSet("agentfs mount", pflag.ContinueOnError)
	f.register(fs)
	fs.BoolVar(&f.allowOther, "allow-other", false, "let other users access the mount")
	fs.BoolVar(&f.debug, "debug", false, "log every FUSE request")
	fs.StringVar(&f.spill, "spill", "", "spill backend: none, disk or s3")
	fs.StringVar(&f.spillDir, "spill-dir", "", "directory for the disk spill backend")
	fs.StringVar(&f.api, "api", "", "serve the admin API and control plane on this address")
	fs.BoolVar(&f.metrics, "metrics", false, "serve Prometheus metrics on global.metrics_port")
	fs.Usage = func() {
		fmt.Fprintf(stdout, "Usage: agentfs mount [flags] <mountpoint>\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("mount takes exactly one mount point")
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	f.apply(cfg, fs)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, fs.Arg(0), cfg, logger)
	if err != nil {
		return fmt.Errorf("creating filesystem: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("mounting %s: %w", a.MountPoint(), err)
	}

	unmounted := make(chan struct{})
	go func() {
		a.Wait()
		close(unmounted)
	}()
	select {
	case <-ctx.Done():
		logger.Info("Signal received, unmounting")
	case <-unmounted:
		logger.Info("Filesystem unmounted externally")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
