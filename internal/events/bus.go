package events

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/types"
)

// DefaultBuffer is the per-subscriber queue length used when none is
// configured.
const DefaultBuffer = 256

// Filter selects the events a subscriber receives. A nil Filter accepts
// everything.
type Filter func(types.Event) bool

// Kinds accepts events of the given kinds.
func Kinds(kinds ...types.EventKind) Filter {
	return func(e types.Event) bool { return slices.Contains(kinds, e.Kind) }
}

// OnBranch accepts events that happened on branch id.
func OnBranch(id types.BranchID) Filter {
	return func(e types.Event) bool { return e.Branch == id }
}

// All accepts events matching every filter.
func All(filters ...Filter) Filter {
	return func(e types.Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// Config configures a Bus.
type Config struct {
	// Enabled turns publication on. A disabled bus accepts subscriptions
	// that stay idle.
	Enabled bool
	// Buffer is the queue length of each subscription.
	Buffer int
	Logger *zap.Logger
}

// Bus fans engine events out to subscribers without ever blocking the
// publisher. Events that do not fit a subscriber's queue are dropped and
// counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool

	// pubMu orders publications; seq is guarded by it.
	pubMu sync.Mutex
	seq   uint64

	enabled atomic.Bool
	dropped atomic.Uint64
	buffer  int
	logger  *zap.Logger
}

// New creates a Bus.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b := &Bus{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      buffer,
		logger:      logger.Named("events"),
	}
	b.enabled.Store(cfg.Enabled)
	return b
}

// SetEnabled switches publication on or off.
func (b *Bus) SetEnabled(on bool) { b.enabled.Store(on) }

// Enabled reports whether events are published.
func (b *Bus) Enabled() bool { return b.enabled.Load() }

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish stamps e with a sequence number and time and offers it to every
// matching subscriber. Publications are serialized: every subscriber
// receives events in increasing Seq order, and an event published after
// another returned carries a higher Seq.
func (b *Bus) Publish(e types.Event) {
	if !b.enabled.Load() {
		return
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("Subscriber is not keeping up, dropping events",
					zap.Uint64("seq", e.Seq), zap.Stringer("kind", e.Kind))
			}
		}
	}
}

// Subscribe registers a subscription that ends when ctx is done or Close
// is called. On a closed bus the subscription is already ended.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan types.Event, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() {
			close(s.ch)
			close(s.done)
		})
		return s
	}
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Close ends every subscription. Later subscriptions end immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, s)
	close(s.ch)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus     *Bus
	filter  Filter
	ch      chan types.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Events returns the subscription as a sequence that ends with the
// subscription. Queued events are still delivered after the end.
func (s *Subscription) Events() iter.Seq[types.Event] {
	return func(yield func(types.Event) bool) {
		for e := range s.ch {
			if !yield(e) {
				return
			}
		}
	}
}

// Dropped returns the number of events this subscription missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}
