// ABOUTME: In-memory fan-out broadcaster for scheduler lifecycle events and pool snapshots
// ABOUTME: Implements scheduler.EventPublisher; slow subscribers drop messages instead of blocking

package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/observability"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

// Message kinds carried by the broadcaster.
const (
	KindEvent    = "event"
	KindSnapshot = "snapshot"
)

// defaultBufferSize is the channel buffer for each subscriber.
const defaultBufferSize = 64

// Message is one item delivered to subscribers.
type Message struct {
	Kind     string           `json:"kind"`
	Event    *scheduler.Event `json:"event,omitempty"`
	Snapshot *Snapshot        `json:"snapshot,omitempty"`
}

type subscriber struct {
	ch    chan Message
	kinds map[string]bool // empty means every kind
}

func (s subscriber) wants(kind string) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Broadcaster provides in-memory pub/sub for telemetry messages. Publishing
// never blocks: a subscriber whose buffer is full misses the message.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber // subID -> subscriber
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default and a
// non-positive bufferSize for the default of 64.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broadcaster{
		subscribers: make(map[string]subscriber),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given message kinds (all kinds if
// none are given). It returns the receive channel and a subscription ID. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, kinds ...string) (<-chan Message, string) {
	subID := uuid.New().String()
	sub := subscriber{ch: make(chan Message, b.bufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish fans a lifecycle event out to subscribers.
func (b *Broadcaster) Publish(evt scheduler.Event) {
	b.broadcast(Message{Kind: KindEvent, Event: &evt})
}

// Name identifies the broadcaster as a snapshot sink.
func (b *Broadcaster) Name() string { return "websocket" }

// Push fans a snapshot out to subscribers. It never fails.
func (b *Broadcaster) Push(_ context.Context, snap Snapshot) error {
	b.broadcast(Message{Kind: KindSnapshot, Snapshot: &snap})
	return nil
}

// broadcast sends under the read lock so Unsubscribe cannot close a channel
// mid-send. Sends are non-blocking.
func (b *Broadcaster) broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.wants(msg.Kind) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			observability.Default.IncCounter("telemetry_dropped_total", map[string]string{"kind": msg.Kind}, 1)
			b.logger.Debug("dropped message for slow subscriber", "sub_id", id, "kind", msg.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

var _ scheduler.EventPublisher = (*Broadcaster)(nil)
