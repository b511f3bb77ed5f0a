// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the fleet-gateway server.
// It builds the scheduler and everything around it from a config.Config: the
// worker runtime (simulated or Playwright), the history store, the telemetry
// broadcaster and sinks, the idempotent submitter, the optional NATS ingress,
// and the HTTP and gRPC servers.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled
//
// Run opens the listeners (plain TCP, or a tsnet node when tailscale.enabled),
// starts the NATS ingress, then runs the scheduler loops, the telemetry
// sampler, and the readiness watcher under an errgroup. When ctx is cancelled
// Shutdown stops the ingress and both servers first, then shuts the scheduler
// down (QUEUED requests become CANCELLED, in-flight ones FAILED with reason
// "shutdown"), waits for history writes, and closes Redis, NATS, the runtime,
// the store, and the tracer provider.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 when at least one agent is AVAILABLE or BUSY
//   - POST /api/requests - Submit; honors the Idempotency-Key header
//   - GET /api/requests - Queue snapshot in dispatch order
//   - GET /api/requests/{id} - Live, archived, or persisted request
//   - DELETE /api/requests/{id} - Cancel
//   - POST /api/requests/{id}/result - External executor progress report
//   - GET /api/agents - Pool snapshot, filter with ?capability= and ?status=
//   - POST /api/agents/{id}/heartbeat - Push heartbeat with optional performance data
//   - POST /api/agents/{id}/maintenance - Enter or leave MAINTENANCE
//   - DELETE /api/agents/{id} - Retire an agent
//   - GET /api/history - Archived requests; ?limit=N, ?source=store
//   - GET /metrics - Prometheus text exposition
//   - GET /ws/telemetry - WebSocket stream of events and snapshots
//
// Errors are JSON objects of the form {"error": "..."}. Scheduler sentinels
// map to status codes: not found is 404, invalid submissions 400, terminal
// or illegal transitions and wrong agent state 409.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1. Both the overall status ("") and
// SchedulerService report SERVING while the pool has a usable agent.
package gateway
