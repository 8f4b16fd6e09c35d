// Package circuit guards a remote spill tier. After enough consecutive
// failures the breaker opens and calls fail fast with SPILL_IO until a
// cool-down has passed.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests
	StateOpen
	// StateHalfOpen lets a limited number of probes through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Probes allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Consecutive failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Time spent open before probing
	Timeout time.Duration `yaml:"timeout"`

	// Called on every transition
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Decides whether an error counts against the tier
	IsSuccessful func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the settings used for the S3 spill tier.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// Counts holds the numbers of requests and their outcomes since the last
// state change.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker. Zero fields of config take DefaultConfig values.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = TierHealthy
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// TierHealthy reports whether err leaves the remote tier in good standing.
// Missing objects, bad keys and caller cancellation say nothing about the
// backend.
func TierHealthy(err error) bool {
	switch errors.KindOf(err) {
	case "", errors.ErrCodeSpillCorrupt, errors.ErrCodeInvalidArgument:
		return true
	}
	return stderrors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.now()) {
	case StateOpen:
		return errors.Newf(errors.ErrCodeSpillIO, "%s tier unavailable, circuit open", b.name).
			WithComponent("circuit").WithContext("breaker", b.name)
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxRequests {
			return errors.Newf(errors.ErrCodeSpillIO, "%s tier unavailable, probe in flight", b.name).
				WithComponent("circuit").WithContext("breaker", b.name)
		}
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)
	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}
	b.expiry = time.Time{}
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
