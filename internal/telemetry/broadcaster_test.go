// ABOUTME: Tests for the telemetry Broadcaster fan-out
// ABOUTME: Covers subscribe, kind filters, slow consumers, cancellation, and Close

package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

func makeEvent(reqID string) scheduler.Event {
	return scheduler.Event{
		Type:      scheduler.EventRequestQueued,
		RequestID: reqID,
		Status:    string(scheduler.RequestQueued),
		Timestamp: time.Now(),
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBroadcaster_MultipleSubscribersReceiveEvent(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(makeEvent("req-1"))

	for _, ch := range []<-chan Message{ch1, ch2} {
		msg := receive(t, ch)
		assert.Equal(t, KindEvent, msg.Kind)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "req-1", msg.Event.RequestID)
	}
}

func TestBroadcaster_KindFilter(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	snapshots, _ := b.Subscribe(t.Context(), KindSnapshot)

	b.Publish(makeEvent("req-1"))
	require.NoError(t, b.Push(context.Background(), Snapshot{QueueDepth: 3}))

	msg := receive(t, snapshots)
	assert.Equal(t, KindSnapshot, msg.Kind)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, 3, msg.Snapshot.QueueDepth)

	select {
	case extra := <-snapshots:
		t.Fatalf("unexpected message %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(4, nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context()) // never read
	fast, _ := b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for range 100 {
			b.Publish(makeEvent("overflow"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.Equal(t, 4, len(fast))
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	assert.Equal(t, 1, b.Count())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.Count())
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	b.Unsubscribe(subID)
	b.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing should not panic
	b.Publish(makeEvent("after-unsub"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(0, nil)

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context(), KindEvent)

	b.Close()

	for i, ch := range []<-chan Message{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	late, _ := b.Subscribe(t.Context())
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close should yield a closed channel")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			ch, _ := b.Subscribe(ctx)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(makeEvent("concurrent"))
			}
		})
	}
	wg.Wait()
}
