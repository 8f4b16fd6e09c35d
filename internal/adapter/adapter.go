package adapter

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/config"
	"github.com/agentharbor/agentfs/internal/fuse"
	"github.com/agentharbor/agentfs/pkg/api"
	"github.com/agentharbor/agentfs/pkg/control"
	"github.com/agentharbor/agentfs/pkg/core"
	"github.com/agentharbor/agentfs/pkg/errors"
)

// Adapter owns one engine and everything serving it: the FUSE mount, the
// admin API and the metrics endpoint.
type Adapter struct {
	mountPoint string
	config     *config.Configuration
	logger     *zap.Logger

	engine     *core.Engine
	dispatcher *control.Dispatcher
	api        *api.Server
	mount      fuse.PlatformFileSystem

	mu      sync.Mutex
	started bool
}

// New builds the engine and its servers. Nothing is mounted or listening
// until Start.
func New(ctx context.Context, mountPoint string, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	if mountPoint == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "mount point is required").
			WithComponent("adapter").WithOperation("new")
	}
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidArgument, err, "invalid mount point").
			WithComponent("adapter").WithOperation("new")
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine, err := core.New(ctx, cfg, core.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		mountPoint: abs,
		config:     cfg,
		logger:     logger.Named("adapter"),
		engine:     engine,
		dispatcher: control.NewDispatcher(engine, logger),
	}
	if ac := cfg.Monitoring.API; ac.Enabled {
		sc := api.DefaultServerConfig()
		sc.Address = ac.Address
		sc.EnableControl = ac.EnableControl
		sc.EnableCORS = ac.EnableCORS
		if ac.ReadTimeout > 0 {
			sc.ReadTimeout = ac.ReadTimeout
		}
		if ac.WriteTimeout > 0 {
			sc.WriteTimeout = ac.WriteTimeout
		}
		a.api = api.NewServer(sc, engine, a.dispatcher, logger)
	}
	a.mount = fuse.CreatePlatformMountManager(engine, fuse.NewMountConfig(abs, cfg), logger)
	return a, nil
}

// Engine returns the engine behind the mount.
func (a *Adapter) Engine() *core.Engine { return a.engine }

// Dispatcher returns the control-plane dispatcher.
func (a *Adapter) Dispatcher() *control.Dispatcher { return a.dispatcher }

// MountPoint returns the absolute mount point.
func (a *Adapter) MountPoint() string { return a.mountPoint }

// Start starts the metrics endpoint and the admin API, then mounts. A
// failed mount stops the servers again.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyExists, "adapter already started").
			WithComponent("adapter").WithOperation("start")
	}

	a.logger.Info("Starting AgentFS",
		zap.String("mount_point", a.mountPoint),
		zap.String("spill_backend", a.config.Memory.Spill.Backend),
		zap.String("max_bytes_in_memory", a.config.Memory.MaxBytesInMemory))

	if err := a.engine.Metrics().Start(ctx); err != nil {
		return err
	}
	if a.api != nil {
		a.api.StartBackground()
	}
	if err := a.mount.Mount(ctx); err != nil {
		a.stopAPI(ctx)
		if stopErr := a.engine.Metrics().Stop(ctx); stopErr != nil {
			a.logger.Warn("Metrics shutdown failed", zap.Error(stopErr))
		}
		return err
	}

	a.started = true
	a.logger.Info("AgentFS started", zap.String("mount_point", a.mountPoint))
	return nil
}

// Wait blocks until the filesystem is unmounted, by Stop or externally.
func (a *Adapter) Wait() {
	a.mount.Wait()
}

// Stop unmounts, stops the servers and shuts the engine down. It is safe
// to call without Start.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("Stopping AgentFS", zap.String("mount_point", a.mountPoint))
	var errs []error
	if a.mount.IsMounted() {
		if err := a.mount.Unmount(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.started {
		stats := a.mount.GetStats()
		a.logger.Info("Mount statistics",
			zap.Int64("opens", stats.Opens),
			zap.Int64("bytes_read", stats.BytesRead),
			zap.Int64("bytes_written", stats.BytesWritten),
			zap.Int64("errors", stats.Errors))
		a.stopAPI(ctx)
	}
	// Shutdown also stops the metrics endpoint.
	if err := a.engine.Shutdown(ctx); err != nil && !errors.IsCode(err, errors.ErrCodeShutdown) {
		errs = append(errs, err)
	}
	a.started = false
	return stderrors.Join(errs...)
}

func (a *Adapter) stopAPI(ctx context.Context) {
	if a.api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.api.Shutdown(ctx); err != nil {
		a.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}
