// ABOUTME: Sampler takes periodic read-only snapshots of the pool and queue
// ABOUTME: and pushes them to every configured Sink.

package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/observability"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

// Source is the read-only view the sampler observes. *scheduler.Scheduler
// satisfies it.
type Source interface {
	PoolSnapshot() []scheduler.AgentSnapshot
	QueueSnapshot() []scheduler.QueueEntry
}

// Sink receives snapshots. Push may block on I/O and should honor ctx.
type Sink interface {
	Name() string
	Push(ctx context.Context, snap Snapshot) error
}

// Snapshot is a point-in-time view of the fleet.
type Snapshot struct {
	Timestamp      time.Time                     `json:"timestamp"`
	PoolSize       int                           `json:"pool_size"`
	QueueDepth     int                           `json:"queue_depth"`
	AgentsByStatus map[scheduler.AgentStatus]int `json:"agents_by_status"`
	Agents         []scheduler.AgentSnapshot     `json:"agents"`
	Queue          []scheduler.QueueEntry        `json:"queue"`
}

// Sampler periodically snapshots a Source into Sinks.
type Sampler struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSampler creates a sampler that pushes to sinks every interval.
func NewSampler(source Source, interval time.Duration, logger *slog.Logger, sinks ...Sink) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		source:   source,
		sinks:    sinks,
		interval: interval,
		logger:   logger.With("component", "sampler"),
		now:      time.Now,
	}
}

// Sample builds a snapshot without pushing it.
func (s *Sampler) Sample() Snapshot {
	agents := s.source.PoolSnapshot()
	queue := s.source.QueueSnapshot()

	snap := Snapshot{
		Timestamp:      s.now(),
		QueueDepth:     len(queue),
		AgentsByStatus: make(map[scheduler.AgentStatus]int),
		Agents:         agents,
		Queue:          queue,
	}
	for _, a := range agents {
		snap.AgentsByStatus[a.Status]++
		if a.Status != scheduler.AgentOffline && a.Status != scheduler.AgentError {
			snap.PoolSize++
		}
	}
	return snap
}

// Tick samples once and pushes to every sink. Sink failures are logged and
// counted; they never stop the other sinks.
func (s *Sampler) Tick(ctx context.Context) {
	snap := s.Sample()
	for _, sink := range s.sinks {
		pushCtx, cancel := context.WithTimeout(ctx, s.interval)
		err := sink.Push(pushCtx, snap)
		cancel()
		if err != nil {
			observability.Default.IncCounter("telemetry_sink_errors_total", map[string]string{"sink": sink.Name()}, 1)
			s.logger.Warn("telemetry sink push failed", "sink", sink.Name(), "error", err)
		}
	}
}

// Run samples on every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("telemetry sampler started", "interval", s.interval, "sinks", len(s.sinks))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
