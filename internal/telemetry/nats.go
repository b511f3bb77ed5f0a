// ABOUTME: NATSSink publishes snapshots and lifecycle events on NATS subjects
// ABOUTME: under a configurable prefix.

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// natsPublisher is the subset of *nats.Conn the sink uses.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes snapshots on "<prefix>.snapshot" and, when used as an
// event publisher, events on "<prefix>.events.<type>".
type NATSSink struct {
	conn   natsPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSSink wraps an established connection. The caller owns the connection.
func NewNATSSink(conn natsPublisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "nats-sink"),
	}
}

// Name identifies the sink in logs and metrics.
func (n *NATSSink) Name() string { return "nats" }

// SnapshotSubject is where snapshots are published.
func (n *NATSSink) SnapshotSubject() string {
	return n.prefix + ".snapshot"
}

// Push publishes snap as JSON.
func (n *NATSSink) Push(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := n.conn.Publish(n.SnapshotSubject(), data); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// Publish forwards a lifecycle event. The NATS client buffers writes, so
// this does not block on the network.
func (n *NATSSink) Publish(evt scheduler.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		n.logger.Warn("failed to encode event", "type", evt.Type, "error", err)
		return
	}
	if err := n.conn.Publish(n.prefix+".events."+string(evt.Type), data); err != nil {
		n.logger.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}

// Fanout publishes each event to every publisher in order.
type Fanout []scheduler.EventPublisher

// Publish implements scheduler.EventPublisher.
func (f Fanout) Publish(evt scheduler.Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}
