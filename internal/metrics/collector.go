package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
	"github.com/agentharbor/agentfs/pkg/types"
)

// Collector counts engine operations. The in-process counters behind
// Snapshot are always maintained; Prometheus export and the HTTP endpoint
// only exist when the collector is enabled.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations   map[string]*OperationMetrics
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	lastReset    time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Logger    *zap.Logger       `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         uint64            `json:"count"`
	Errors        uint64            `json:"errors"`
	ErrorsByCode  map[string]uint64 `json:"errors_by_code,omitempty"`
	TotalDuration time.Duration     `json:"total_duration"`
	LastOperation time.Time         `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Path:      "/metrics",
			Namespace: "agentfs",
			Labels:    make(map[string]string),
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.Named("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, err, "failed to register metrics")
	}
	return collector, nil
}

// Enabled reports whether Prometheus export is on.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Start serves the metrics endpoint until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port == 0 {
		return nil
	}

	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	c.logger.Info("Metrics endpoint started", zap.Int("port", c.config.Port), zap.String("path", path))
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one engine call. err is nil on success.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	code := ""
	if err != nil {
		code = string(errors.KindOf(err))
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
		if m.ErrorsByCode == nil {
			m.ErrorsByCode = make(map[string]uint64)
		}
		m.ErrorsByCode[code]++
	}
	c.mu.Unlock()

	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordRead counts bytes returned to readers.
func (c *Collector) RecordRead(n int) {
	c.bytesRead.Add(uint64(n))
	if c.config.Enabled {
		c.bytesCounter.With(prometheus.Labels{"direction": "read"}).Add(float64(n))
	}
}

// RecordWrite counts bytes accepted from writers.
func (c *Collector) RecordWrite(n int) {
	c.bytesWritten.Add(uint64(n))
	if c.config.Enabled {
		c.bytesCounter.With(prometheus.Labels{"direction": "write"}).Add(float64(n))
	}
}

// Snapshot fills the operation and byte counters of s.
func (c *Collector) Snapshot(s *types.Stats) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s.Operations = make(map[string]uint64, len(c.operations))
	s.Errors = make(map[string]uint64)
	for name, m := range c.operations {
		s.Operations[name] = m.Count
		for code, n := range m.ErrorsByCode {
			s.Errors[code] += n
		}
	}
	s.BytesRead = c.bytesRead.Load()
	s.BytesWritten = c.bytesWritten.Load()
}

// GetMetrics returns a copy of the per-operation counters.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		if v.ErrorsByCode != nil {
			cp.ErrorsByCode = make(map[string]uint64, len(v.ErrorsByCode))
			for code, n := range v.ErrorsByCode {
				cp.ErrorsByCode[code] = n
			}
		}
		out[k] = cp
	}
	return out
}

// ResetMetrics resets the in-process counters. Prometheus counters are
// monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.bytesRead.Store(0)
	c.bytesWritten.Store(0)
	c.lastReset = time.Now()
}

// RegisterStats exports gauges and counters read from p on every scrape.
func (c *Collector) RegisterStats(p types.StatsProvider) error {
	if !c.config.Enabled {
		return nil
	}
	gauge := func(name, help string, get func(types.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts(c.opts(name, help)), func() float64 { return get(p.Stats()) })
	}
	counter := func(name, help string, get func(types.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts(c.opts(name, help)), func() float64 { return get(p.Stats()) })
	}

	for _, m := range []prometheus.Collector{
		gauge("open_handles", "Number of open handles", func(s types.Stats) float64 { return float64(s.ActiveHandles) }),
		gauge("branches", "Number of branches", func(s types.Stats) float64 { return float64(s.Branches) }),
		gauge("snapshots", "Number of snapshots", func(s types.Stats) float64 { return float64(s.Snapshots) }),
		gauge("bindings", "Number of bound processes", func(s types.Stats) float64 { return float64(s.Bindings) }),
		gauge("live_nodes", "Number of live tree nodes", func(s types.Stats) float64 { return float64(s.LiveNodes) }),
		gauge("live_contents", "Number of live contents", func(s types.Stats) float64 { return float64(s.LiveContents) }),
		gauge("bytes_in_memory", "Resident content bytes", func(s types.Stats) float64 { return float64(s.BytesInMemory) }),
		gauge("bytes_spilled", "Content bytes in the spill tier", func(s types.Stats) float64 { return float64(s.BytesSpilled) }),
		counter("cow_copies_total", "Contents copied on write", func(s types.Stats) float64 { return float64(s.CowCopies) }),
		counter("node_copies_total", "Tree nodes copied by path copying", func(s types.Stats) float64 { return float64(s.NodeCopies) }),
		counter("chunk_copies_total", "Chunks copied on write", func(s types.Stats) float64 { return float64(s.ChunkCopies) }),
		counter("events_dropped_total", "Events dropped for slow subscribers", func(s types.Stats) float64 { return float64(s.EventsDropped) }),
	} {
		if err := c.registry.Register(m); err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, err, "failed to register engine metrics")
		}
	}
	return nil
}

// Helper methods

func (c *Collector) opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(c.opts("operations_total", "Total number of engine operations")),
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of engine operations in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		},
		[]string{"operation"},
	)

	c.bytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(c.opts("bytes_total", "Bytes read and written through handles")),
		[]string{"direction"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(c.opts("errors_total", "Total number of failed operations by error code")),
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.bytesCounter,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"agentfs-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetMetrics()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	type row struct {
		Name string `json:"name"`
		OperationMetrics
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		rows = append(rows, row{Name: name, OperationMetrics: ops[name]})
	}

	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"since":      since,
		"operations": rows,
	})
}
