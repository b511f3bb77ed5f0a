// Package telemetry publishes what the scheduler is doing to observers.
//
// Three pieces:
//
//   - Broadcaster: in-memory pub/sub of lifecycle events and snapshots.
//     It implements scheduler.EventPublisher and never blocks the scheduler.
//   - Sampler: reads PoolSnapshot and QueueSnapshot every interval and
//     pushes a Snapshot to each Sink (Broadcaster, RedisSink, NATSSink).
//   - Handler: a WebSocket endpoint streaming Broadcaster messages as JSON.
//
// Telemetry is read-only: nothing here mutates pool or queue state.
package telemetry
