package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/pkg/types"
)

func receive(t *testing.T, s *Subscription) types.Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		require.True(t, ok, "subscription ended")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return types.Event{}
	}
}

func TestPublishStampsAndFilters(t *testing.T) {
	bus := New(Config{Enabled: true})
	defer bus.Close()

	all := bus.Subscribe(context.Background(), nil)
	created := bus.Subscribe(context.Background(), Kinds(types.EventNodeCreated))
	onB := bus.Subscribe(context.Background(), All(Kinds(types.EventNodeCreated), OnBranch("b1")))

	bus.Publish(types.Event{Kind: types.EventNodeCreated, Branch: types.DefaultBranch, Path: "/a"})
	bus.Publish(types.Event{Kind: types.EventNodeRemoved, Branch: "b1", Path: "/a"})
	bus.Publish(types.Event{Kind: types.EventNodeCreated, Branch: "b1", Path: "/b"})

	first := receive(t, all)
	assert.Equal(t, uint64(1), first.Seq)
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, uint64(2), receive(t, all).Seq)
	assert.Equal(t, uint64(3), receive(t, all).Seq)

	assert.Equal(t, "/a", receive(t, created).Path)
	assert.Equal(t, "/b", receive(t, created).Path)

	e := receive(t, onB)
	assert.Equal(t, "/b", e.Path)
	assert.Len(t, onB.C(), 0)
}

func TestDisabledBusStaysIdle(t *testing.T) {
	bus := New(Config{})
	s := bus.Subscribe(context.Background(), nil)

	bus.Publish(types.Event{Kind: types.EventBranchCreated})
	assert.Len(t, s.C(), 0)

	bus.SetEnabled(true)
	assert.True(t, bus.Enabled())
	bus.Publish(types.Event{Kind: types.EventBranchCreated})
	assert.Equal(t, types.EventBranchCreated, receive(t, s).Kind)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New(Config{Enabled: true, Buffer: 2})
	s := bus.Subscribe(context.Background(), nil)

	for range 5 {
		bus.Publish(types.Event{Kind: types.EventNodeCreated})
	}
	assert.Equal(t, uint64(3), bus.Dropped())
	assert.Equal(t, uint64(3), s.Dropped())
	assert.Len(t, s.C(), 2)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := New(Config{Enabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	s := bus.Subscribe(ctx, nil)
	bus.Publish(types.Event{Kind: types.EventProcessBound, PID: 7})

	cancel()

	var got []types.Event
	for e := range s.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 1, "queued events survive cancellation")
	assert.Equal(t, uint32(7), got[0].PID)
	assert.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestEventsStopsWhenConsumerBreaks(t *testing.T) {
	bus := New(Config{Enabled: true})
	s := bus.Subscribe(context.Background(), nil)
	for range 3 {
		bus.Publish(types.Event{Kind: types.EventSnapshotCreated})
	}

	n := 0
	for range s.Events() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	s.Close()
	s.Close()
	assert.Equal(t, 0, bus.Subscribers())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := New(Config{Enabled: true})
	s := bus.Subscribe(context.Background(), nil)

	bus.Close()
	_, ok := <-s.C()
	assert.False(t, ok)

	late := bus.Subscribe(context.Background(), nil)
	_, ok = <-late.C()
	assert.False(t, ok)
	bus.Publish(types.Event{Kind: types.EventBranchDeleted})
}

func TestConcurrentPublishersDeliverInSeqOrder(t *testing.T) {
	const publishers, each = 8, 100
	bus := New(Config{Enabled: true, Buffer: publishers * each})
	defer bus.Close()
	s := bus.Subscribe(context.Background(), nil)

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				bus.Publish(types.Event{Kind: types.EventNodeCreated})
			}
		}()
	}
	wg.Wait()

	for want := uint64(1); want <= publishers*each; want++ {
		assert.Equal(t, want, receive(t, s).Seq)
	}
	assert.Zero(t, bus.Dropped())
}
