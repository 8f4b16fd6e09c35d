package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New("s3", cfg)
	b.now = clock.now
	return b, clock
}

var errBackend = errors.NewError(errors.ErrCodeSpillIO, "connection reset")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("s3", Config{})
	assert.Equal(t, "s3", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, DefaultConfig().MaxRequests, b.config.MaxRequests)
	assert.Equal(t, DefaultConfig().FailureThreshold, b.config.FailureThreshold)
	assert.Equal(t, DefaultConfig().Timeout, b.config.Timeout)
	assert.NotNil(t, b.config.IsSuccessful)
}

func TestTierHealthy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{errors.NewError(errors.ErrCodeSpillCorrupt, "missing"), true},
		{errors.NewError(errors.ErrCodeInvalidArgument, "bad key"), true},
		{fmt.Errorf("operation canceled: %w", context.Canceled), true},
		{errBackend, false},
		{fmt.Errorf("plain"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierHealthy(tt.err), "%v", tt.err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []string
	b, _ := newTestBreaker(Config{
		FailureThreshold: 3,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Equal(t, errBackend, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Counts().ConsecutiveFailures)

	assert.Equal(t, errBackend, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"s3:CLOSED->OPEN"}, transitions)

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSpillIO))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, ok))
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestBreaker_IgnoresHealthyErrors(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	missing := errors.NewError(errors.ErrCodeSpillCorrupt, "missing")

	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return missing })
		assert.Equal(t, missing, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.advance(5 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// a failed probe reopens
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())

	clock.advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.advance(time.Second)

	err := b.Execute(ctx, func(ctx context.Context) error {
		// a second caller while the probe is in flight is rejected
		inner := b.Execute(ctx, ok)
		assert.True(t, errors.IsCode(inner, errors.ErrCodeSpillIO))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
	require.NoError(t, b.Execute(context.Background(), ok))
}
