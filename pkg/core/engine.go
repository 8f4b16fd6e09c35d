package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/internal/binding"
	"github.com/agentharbor/agentfs/internal/branch"
	"github.com/agentharbor/agentfs/internal/circuit"
	"github.com/agentharbor/agentfs/internal/config"
	"github.com/agentharbor/agentfs/internal/events"
	"github.com/agentharbor/agentfs/internal/handles"
	"github.com/agentharbor/agentfs/internal/metrics"
	"github.com/agentharbor/agentfs/internal/snapshot"
	"github.com/agentharbor/agentfs/internal/storage"
	"github.com/agentharbor/agentfs/internal/storage/spill"
	"github.com/agentharbor/agentfs/internal/tree"
	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/retry"
	"github.com/agentharbor/agentfs/pkg/types"
)

var (
	_ types.FileSystem    = (*Engine)(nil)
	_ types.Control       = (*Engine)(nil)
	_ types.StatsProvider = (*Engine)(nil)
)

// Engine is the Core API. Every call resolves the caller's branch through
// the process binding table and applies the operation there. Engines are
// independent: several can live in one process.
type Engine struct {
	config *config.Configuration
	logger *zap.Logger

	store     *storage.Store
	tree      *tree.Tree
	snapshots *snapshot.Registry
	branches  *branch.Manager
	bindings  *binding.Table
	handles   *handles.Manager
	events    *events.Bus
	metrics   *metrics.Collector

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	spill   spill.Store
	metrics *metrics.Collector
}

// WithLogger sets the logger every component derives its named logger
// from. Without it the engine logs nothing.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSpillStore uses s as the spill tier instead of the configured
// backend.
func WithSpillStore(s spill.Store) Option {
	return func(o *options) { o.spill = s }
}

// WithMetrics uses an existing collector instead of building one from the
// monitoring section.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// New validates cfg and builds an engine with an empty root directory on
// the default branch. A nil cfg uses the defaults.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sizes, err := cfg.Sizes()
	if err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	spillStore := o.spill
	if spillStore == nil {
		sc := cfg.Memory.Spill
		spillStore, err = spill.Open(ctx, spill.Options{
			Backend:   sc.Backend,
			Directory: sc.Directory,
			S3: spill.S3Config{
				Bucket:         sc.S3.Bucket,
				Prefix:         sc.S3.Prefix,
				Region:         sc.S3.Region,
				Endpoint:       sc.S3.Endpoint,
				ForcePathStyle: sc.S3.ForcePathStyle,
				Retry: retry.Config{
					MaxAttempts:  sc.Retry.MaxAttempts,
					InitialDelay: sc.Retry.BaseDelay,
					MaxDelay:     sc.Retry.MaxDelay,
					Multiplier:   2,
				},
				Breaker: circuit.Config{
					FailureThreshold: sc.S3.BreakerThreshold,
					Timeout:          sc.S3.BreakerTimeout,
				},
			},
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	store, err := storage.New(storage.Config{
		ChunkSize:      sizes.ChunkSize,
		MaxMemory:      sizes.MaxBytesInMemory,
		SpillThreshold: sizes.SpillThreshold,
		MaxSpill:       sizes.MaxSpill,
		Spill:          spillStore,
		Compression:    cfg.Memory.Spill.Compression,
		ReadCacheSize:  sizes.ReadCacheSize,
		Logger:         logger,
	})
	if err != nil {
		if spillStore != nil {
			_ = spillStore.Close()
		}
		return nil, err
	}

	collector := o.metrics
	if collector == nil {
		m := cfg.Monitoring.Metrics
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   m.Enabled,
			Port:      cfg.Global.MetricsPort,
			Path:      m.Path,
			Namespace: m.Namespace,
			Labels:    m.CustomLabels,
			Logger:    logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	sec := cfg.Security
	t := tree.New(store, tree.Options{
		CaseInsensitive: cfg.Filesystem.CaseSensitivity == config.CaseInsensitive,
		Enforce:         sec.EnforcePOSIXPermissions,
		RootBypass:      sec.RootBypassPermissions,
		EnableXattrs:    cfg.Filesystem.EnableXattrs,
		EnableADS:       cfg.Filesystem.EnableADS,
		Logger:          logger,
	})
	snaps := snapshot.New(t, snapshot.Config{MaxSnapshots: cfg.Limits.MaxSnapshots, Logger: logger})
	branches := branch.NewManager(t, snaps, t.NewRoot(sec.DefaultUID, sec.DefaultGID, sec.RootMode),
		branch.Config{MaxBranches: cfg.Limits.MaxBranches, Logger: logger})

	e := &Engine{
		config:    cfg,
		logger:    logger.Named("engine"),
		store:     store,
		tree:      t,
		snapshots: snaps,
		branches:  branches,
		bindings:  binding.New(branches, logger),
		handles: handles.New(t, branches, handles.Config{
			MaxOpenHandles: cfg.Limits.MaxOpenHandles,
			Policy:         handles.NewPolicy(sec.EnableWindowsACLCompat),
			Logger:         logger,
		}),
		events: events.New(events.Config{
			Enabled: cfg.Filesystem.TrackEvents,
			Buffer:  cfg.Filesystem.EventBuffer,
			Logger:  logger,
		}),
		metrics: collector,
	}
	if o.metrics == nil {
		if err := collector.RegisterStats(e); err != nil {
			_ = e.shutdown(ctx)
			return nil, err
		}
	}

	e.logger.Info("Engine started",
		zap.Bool("enforce_permissions", sec.EnforcePOSIXPermissions),
		zap.Bool("windows_compat", sec.EnableWindowsACLCompat),
		zap.String("case_sensitivity", cfg.Filesystem.CaseSensitivity),
		zap.String("spill", cfg.Memory.Spill.Backend))
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Configuration { return e.config }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Metrics returns the collector recording engine operations.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Shutdown closes every handle, drops every binding and releases all
// branches and snapshots. Calls made afterwards fail with SHUTDOWN.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.shutdown(ctx)
		e.logger.Info("Engine stopped")
	})
	return err
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.handles.CloseAll(ctx)
	e.bindings.Clear()
	e.events.Close()
	e.branches.Close()
	e.snapshots.Close()

	var errs []error
	if err := e.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.ErrCodeInternalError, errs[0], "engine shutdown failed").
			WithDetail("errors", len(errs))
	}
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() types.Stats {
	var s types.Stats
	e.metrics.Snapshot(&s)

	st := e.store.Stats()
	ts := e.tree.Stats()
	s.ActiveHandles = e.handles.Count()
	s.CowCopies = st.CowCopies
	s.ChunkCopies = st.ChunkCopies
	s.NodeCopies = ts.NodeCopies
	s.LiveNodes = ts.LiveNodes
	s.LiveContents = st.LiveContents
	s.LiveChunks = st.LiveChunks
	s.BytesInMemory = st.BytesInMemory
	s.BytesSpilled = st.BytesSpilled
	s.Branches = e.branches.Len()
	s.Snapshots = e.snapshots.Len()
	s.Bindings = e.bindings.Len()
	s.EventsDropped = e.events.Dropped()
	return s
}

// Subscribe streams events matching filter, or all events when filter is
// nil, until ctx is done or the subscription is closed.
func (e *Engine) Subscribe(ctx context.Context, filter func(types.Event) bool) *events.Subscription {
	return e.events.Subscribe(ctx, filter)
}

// SetEventTracking switches event publication at runtime.
func (e *Engine) SetEventTracking(on bool) { e.events.SetEnabled(on) }

func (e *Engine) live() error {
	if e.closed.Load() {
		return errors.NewError(errors.ErrCodeShutdown, "engine is closed")
	}
	return nil
}

// observe records one Core API call; use it deferred with the named error
// result.
func (e *Engine) observe(op string, start time.Time, errp *error) {
	err := *errp
	e.metrics.RecordOperation(op, time.Since(start), err)
	if err == nil {
		return
	}
	if errors.KindOf(err) == errors.ErrCodeInternalError {
		e.logger.Error("Operation failed", zap.String("op", op), zap.Error(err))
		return
	}
	if ce := e.logger.Check(zap.DebugLevel, "Operation failed"); ce != nil {
		ce.Write(zap.String("op", op), zap.Error(err))
	}
}

func (e *Engine) resolve(c types.Caller) *branch.Branch {
	return e.bindings.Resolve(c.PID)
}

func (e *Engine) publish(ev types.Event) {
	e.events.Publish(ev)
}

// publishOnCommit publishes ev once x's root is published, while the
// branch still excludes writers, so events of one branch arrive in
// commit order.
func (e *Engine) publishOnCommit(x *tree.Txn, ev types.Event) {
	x.OnCommit(func() { e.events.Publish(ev) })
}

// Alive reports whether the engine still accepts calls.
func (e *Engine) Alive() bool { return !e.closed.Load() }
