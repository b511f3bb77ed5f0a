// ABOUTME: Dispatcher matches QUEUED requests to AVAILABLE agents on a fixed tick
// ABOUTME: plus coalesced wakes from submit and release.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/fleet-gateway/internal/observability"
)

// Dispatcher ties the Pool and Queue together.
type Dispatcher struct {
	mu             *sync.Mutex
	pool           *Pool
	queue          *Queue
	interval       time.Duration
	createOnDemand bool
	wakeCh         chan struct{}
	logger         *slog.Logger

	// onAssignLocked runs under the lock for each new pair; handoff runs after unlock.
	onAssignLocked func(Assignment)
	handoff        func([]Assignment)
}

func newDispatcher(mu *sync.Mutex, pool *Pool, queue *Queue, interval time.Duration, createOnDemand bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mu:             mu,
		pool:           pool,
		queue:          queue,
		interval:       interval,
		createOnDemand: createOnDemand,
		wakeCh:         make(chan struct{}, 1),
		logger:         logger,
		onAssignLocked: func(Assignment) {},
		handoff:        func([]Assignment) {},
	}
}

// Wake requests an activation soon. Wakes coalesce and never block.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wakeCh:
			d.logger.Debug("dispatcher woken")
		}
		d.Activate(ctx)
		if d.createOnDemand {
			d.Provision(ctx)
		}
	}
}

// Activate assigns every currently matchable (request, agent) pair and returns
// how many were assigned. With no eligible pair it changes nothing.
func (d *Dispatcher) Activate(ctx context.Context) int {
	_, span := observability.StartSpan(ctx, "dispatcher.activate")
	defer span.End()

	d.mu.Lock()
	if d.pool.closed {
		d.mu.Unlock()
		return 0
	}
	var assigned []Assignment
	races := 0
	for {
		caps := d.pool.availableCapabilitiesLocked()
		if len(caps) == 0 {
			break
		}
		req := d.queue.dequeueNextLocked(func(c string) bool { return caps[c] })
		if req == nil {
			break
		}
		// The lock spans the loop, so caps cannot go stale before the compare-and-set.
		agent := d.pool.findAvailableLocked(req.Capability, false)
		if agent == nil || !d.pool.assignLocked(agent.ID, req.ID) {
			d.queue.requeueLocked(req)
			races++
			observability.Default.IncCounter("dispatch_assignment_races_total", nil, 1)
			d.logger.Debug("assignment race lost", "request_id", req.ID, "capability", req.Capability)
			break
		}
		req.AssignedAgentID = agent.ID
		if err := d.queue.transitionLocked(req.ID, RequestAssigned); err != nil {
			// Undo the compare-and-set; the queue already logged the fault.
			req.AssignedAgentID = ""
			agent.Status = AgentAvailable
			agent.CurrentRequestID = ""
			d.queue.requeueLocked(req)
			break
		}
		a := Assignment{AgentID: agent.ID, Worker: agent.worker, Request: req.clone()}
		d.onAssignLocked(a)
		assigned = append(assigned, a)
		observability.Default.IncCounter("dispatch_assignments_total", map[string]string{"capability": req.Capability}, 1)
	}
	observability.Default.SetGauge("queue_depth", nil, float64(d.queue.depthLocked()))
	d.mu.Unlock()

	span.SetAttributes(attribute.Int("dispatch.assigned", len(assigned)), attribute.Int("dispatch.races", races))
	for _, a := range assigned {
		d.logger.Info("request assigned",
			"request_id", a.Request.ID,
			"agent_id", a.AgentID,
			"priority", a.Request.Priority,
			"capability", a.Request.Capability,
		)
	}
	if len(assigned) > 0 {
		d.handoff(assigned)
	}
	return len(assigned)
}

// Provision starts an agent for each capability that has queued demand but no
// AVAILABLE or STARTING agent, while the pool has room. It returns how many
// agents it started.
func (d *Dispatcher) Provision(ctx context.Context) int {
	_, span := observability.StartSpan(ctx, "dispatcher.provision")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool.closed {
		return 0
	}
	before := len(d.pool.agents)
	for capability := range d.queue.demandLocked() {
		d.pool.findAvailableLocked(capability, true)
	}
	started := len(d.pool.agents) - before
	span.SetAttributes(attribute.Int("dispatch.provisioned", started))
	return started
}
