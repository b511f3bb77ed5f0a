// ABOUTME: AgentPool owns agent records: capability lookup, compare-and-set assignment,
// ABOUTME: release, heartbeat expiry, and asynchronous create/retire of worker slots.

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/observability"
)

// Pool owns every agent record. All state is guarded by the scheduler's mutex;
// exported methods take it and ...Locked helpers expect it held.
type Pool struct {
	mu       *sync.Mutex
	agents   map[string]*Agent
	max      int
	launcher Launcher
	budget   *errorBudget
	events   EventPublisher
	logger   *slog.Logger
	now      func() time.Time
	wake     func()

	heartbeatTimeout time.Duration
	errorGrace       time.Duration
	launchTimeout    time.Duration

	// ctx bounds background launches; cancelled on scheduler shutdown.
	ctx      context.Context
	launches sync.WaitGroup
	stops    sync.WaitGroup
	closed   bool
}

type poolOptions struct {
	max              int
	heartbeatTimeout time.Duration
	errorGrace       time.Duration
	launchTimeout    time.Duration
	budget           *errorBudget
}

func newPool(ctx context.Context, mu *sync.Mutex, opts poolOptions, launcher Launcher, events EventPublisher, logger *slog.Logger, now func() time.Time) *Pool {
	return &Pool{
		mu:               mu,
		agents:           make(map[string]*Agent),
		max:              opts.max,
		launcher:         launcher,
		budget:           opts.budget,
		events:           events,
		logger:           logger,
		now:              now,
		wake:             func() {},
		heartbeatTimeout: opts.heartbeatTimeout,
		errorGrace:       opts.errorGrace,
		launchTimeout:    opts.launchTimeout,
		ctx:              ctx,
	}
}

// FindAvailable returns an AVAILABLE agent for capability. When none exists and
// the pool has room, it starts creating one and returns false.
func (p *Pool) FindAvailable(capability string) (AgentSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findAvailableLocked(capability, true)
	if a == nil {
		return AgentSnapshot{}, false
	}
	return a.snapshot(), true
}

// findAvailableLocked picks the longest-idle AVAILABLE agent for capability.
// With create set, a miss reserves a STARTING slot unless one is already pending
// for the capability or the pool is full.
func (p *Pool) findAvailableLocked(capability string, create bool) *Agent {
	var best *Agent
	pending := false
	for _, a := range p.agents {
		if a.Capability != capability {
			continue
		}
		switch a.Status {
		case AgentAvailable:
			if best == nil || a.LastActivity.Before(best.LastActivity) ||
				(a.LastActivity.Equal(best.LastActivity) && a.ID < best.ID) {
				best = a
			}
		case AgentStarting:
			pending = true
		}
	}
	if best != nil || !create || pending {
		return best
	}
	if _, err := p.createLocked(capability); err != nil {
		p.logger.Debug("no capacity for on-demand agent", "capability", capability, "error", err)
	}
	return nil
}

// assignLocked is the compare-and-set: AVAILABLE -> BUSY holding requestID.
// It returns false without side effects when the agent is in any other state.
func (p *Pool) assignLocked(agentID, requestID string) bool {
	a, ok := p.agents[agentID]
	if !ok || a.Status != AgentAvailable || a.CurrentRequestID != "" {
		return false
	}
	a.Status = AgentBusy
	a.CurrentRequestID = requestID
	a.LastActivity = p.now()
	return true
}

// releaseLocked returns a BUSY agent to AVAILABLE and wakes the dispatcher.
func (p *Pool) releaseLocked(agentID string) bool {
	a, ok := p.agents[agentID]
	if !ok || a.Status != AgentBusy {
		return false
	}
	a.Status = AgentAvailable
	a.CurrentRequestID = ""
	a.LastActivity = p.now()
	p.publish(EventAgentAvailable, a.ID, "")
	p.wake()
	return true
}

// releaseHeldLocked releases agentID only while it still holds requestID.
func (p *Pool) releaseHeldLocked(agentID, requestID string) bool {
	a, ok := p.agents[agentID]
	if !ok || a.CurrentRequestID != requestID {
		return false
	}
	return p.releaseLocked(agentID)
}

// touchLocked records activity for agentID. A heartbeat from an ERROR agent
// inside the grace period recovers it when the pool has room.
func (p *Pool) touchLocked(agentID string, perf map[string]float64) error {
	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	now := p.now()
	switch a.Status {
	case AgentOffline, AgentStopping:
		return fmt.Errorf("%w: agent %s is %s", ErrAgentState, agentID, a.Status)
	case AgentError:
		if now.Sub(a.erredAt) > p.errorGrace {
			return fmt.Errorf("%w: agent %s exceeded error grace period", ErrAgentState, agentID)
		}
		if p.activeSizeLocked() >= p.max {
			return fmt.Errorf("%w: cannot recover agent %s", ErrPoolAtCapacity, agentID)
		}
		a.Status = AgentAvailable
		a.erredAt = time.Time{}
		p.logger.Info("agent recovered", "agent_id", a.ID, "capability", a.Capability)
		p.publish(EventAgentAvailable, a.ID, "recovered")
		p.wake()
	}
	a.LastActivity = now
	if perf != nil {
		a.Performance = perf
	}
	return nil
}

// setMaintenanceLocked toggles AVAILABLE <-> MAINTENANCE.
func (p *Pool) setMaintenanceLocked(agentID string, on bool) error {
	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	switch {
	case on && a.Status == AgentMaintenance, !on && a.Status == AgentAvailable:
		return nil
	case on && a.Status == AgentAvailable:
		a.Status = AgentMaintenance
		p.publish(EventAgentMaintenance, a.ID, "")
	case !on && a.Status == AgentMaintenance:
		a.Status = AgentAvailable
		a.LastActivity = p.now()
		p.publish(EventAgentAvailable, a.ID, "")
		p.wake()
	default:
		return fmt.Errorf("%w: agent %s is %s", ErrAgentState, agentID, a.Status)
	}
	return nil
}

// createLocked reserves a STARTING slot and launches its worker in the background.
func (p *Pool) createLocked(capability string) (string, error) {
	if p.closed {
		return "", ErrShuttingDown
	}
	if p.activeSizeLocked() >= p.max {
		return "", ErrPoolAtCapacity
	}
	now := p.now()
	a := &Agent{
		ID:           uuid.New().String(),
		Capability:   capability,
		Status:       AgentStarting,
		LastActivity: now,
		CreatedAt:    now,
	}
	p.agents[a.ID] = a
	p.publish(EventAgentStarting, a.ID, "")
	p.logger.Info("agent starting", "agent_id", a.ID, "capability", capability)

	p.launches.Add(1)
	go p.launch(a.ID, capability)
	return a.ID, nil
}

func (p *Pool) launch(agentID, capability string) {
	defer p.launches.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.launchTimeout)
	defer cancel()
	w, err := p.launcher.Launch(ctx, capability)

	p.mu.Lock()
	a, ok := p.agents[agentID]
	if err != nil {
		if ok && (a.Status == AgentStarting || a.Status == AgentError) {
			delete(p.agents, agentID)
		}
		p.budget.record(p.now(), "launch", agentID)
		p.mu.Unlock()

		observability.Default.IncCounter("agent_launch_failures_total", map[string]string{"capability": capability}, 1)
		p.logger.Warn("agent launch failed", "agent_id", agentID, "capability", capability, "error", err)
		return
	}
	if !ok || a.Status != AgentStarting {
		if ok && a.Status == AgentError {
			delete(p.agents, agentID)
			p.publish(EventAgentRetired, agentID, "launch outlived heartbeat")
		}
		p.mu.Unlock()
		p.stopWorker(w)
		return
	}
	a.worker = w
	a.Status = AgentAvailable
	a.LastActivity = p.now()
	p.publish(EventAgentAvailable, a.ID, "")
	p.mu.Unlock()

	p.logger.Info("=== AGENT AVAILABLE ===", "agent_id", agentID, "capability", capability, "worker", w.ID())
	p.wake()
}

// retireLocked removes the record and returns its worker (nil if never launched)
// for termination outside the lock.
func (p *Pool) retireLocked(agentID, reason string) (Worker, error) {
	if p.closed {
		return nil, ErrShuttingDown
	}
	a, ok := p.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	delete(p.agents, agentID)
	p.publish(EventAgentRetired, agentID, reason)
	p.logger.Info("agent retired", "agent_id", agentID, "capability", a.Capability, "reason", reason)
	return a.worker, nil
}

// stopWorker terminates w in the background. It never runs under the lock.
func (p *Pool) stopWorker(w Worker) {
	if w == nil {
		return
	}
	p.stops.Add(1)
	go func() {
		defer p.stops.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.launchTimeout)
		defer cancel()
		if err := p.launcher.Terminate(ctx, w); err != nil {
			p.logger.Warn("worker terminate failed", "worker", w.ID(), "error", err)
		}
	}()
}

// probesLocked returns the workers whose liveness the sweep should poll.
func (p *Pool) probesLocked() map[string]Worker {
	out := make(map[string]Worker)
	for id, a := range p.agents {
		if a.worker == nil {
			continue
		}
		switch a.Status {
		case AgentAvailable, AgentBusy, AgentMaintenance:
			out[id] = a.worker
		}
	}
	return out
}

// expiredAgent is an agent the sweep forced to ERROR, with the request it held.
type expiredAgent struct {
	agentID   string
	requestID string
}

// expireLocked forces agents silent for longer than the heartbeat timeout to ERROR.
func (p *Pool) expireLocked(now time.Time) []expiredAgent {
	var out []expiredAgent
	for _, a := range p.agents {
		if a.Status == AgentOffline || a.Status == AgentError || a.Status == AgentStopping {
			continue
		}
		if now.Sub(a.LastActivity) <= p.heartbeatTimeout {
			continue
		}
		out = append(out, expiredAgent{agentID: a.ID, requestID: a.CurrentRequestID})
		a.Status = AgentError
		a.CurrentRequestID = ""
		a.erredAt = now
		p.budget.record(now, "heartbeat", a.ID)
		p.publish(EventAgentError, a.ID, "heartbeat timeout")
		p.logger.Warn("agent heartbeat timeout",
			"agent_id", a.ID,
			"capability", a.Capability,
			"silent_for", now.Sub(a.LastActivity),
		)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agentID < out[j].agentID })
	return out
}

// erroredPastGraceLocked lists ERROR agents whose grace period elapsed.
func (p *Pool) erroredPastGraceLocked(now time.Time) []string {
	var ids []string
	for _, a := range p.agents {
		if a.Status == AgentError && now.Sub(a.erredAt) > p.errorGrace {
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// activeSizeLocked counts agents that are neither OFFLINE nor ERROR.
func (p *Pool) activeSizeLocked() int {
	n := 0
	for _, a := range p.agents {
		if a.Status.counted() {
			n++
		}
	}
	return n
}

// availableCapabilitiesLocked is the set of capabilities with an AVAILABLE agent.
func (p *Pool) availableCapabilitiesLocked() map[string]bool {
	caps := make(map[string]bool)
	for _, a := range p.agents {
		if a.Status == AgentAvailable {
			caps[a.Capability] = true
		}
	}
	return caps
}

// supplyLocked counts AVAILABLE and STARTING agents per capability.
func (p *Pool) supplyLocked() map[string]int {
	out := make(map[string]int)
	for _, a := range p.agents {
		if a.Status == AgentAvailable || a.Status == AgentStarting {
			out[a.Capability]++
		}
	}
	return out
}

// idleLocked returns AVAILABLE agents ordered longest-idle first.
func (p *Pool) idleLocked() []*Agent {
	var idle []*Agent
	for _, a := range p.agents {
		if a.Status == AgentAvailable {
			idle = append(idle, a)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].LastActivity.Equal(idle[j].LastActivity) {
			return idle[i].LastActivity.Before(idle[j].LastActivity)
		}
		return idle[i].ID < idle[j].ID
	})
	return idle
}

func (p *Pool) snapshotLocked() []AgentSnapshot {
	out := make([]AgentSnapshot, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) countByStatusLocked() map[AgentStatus]int {
	out := make(map[AgentStatus]int)
	for _, a := range p.agents {
		out[a.Status]++
	}
	return out
}

func (p *Pool) publish(t EventType, agentID, reason string) {
	status := ""
	if a, ok := p.agents[agentID]; ok {
		status = string(a.Status)
	}
	p.events.Publish(Event{Type: t, AgentID: agentID, Status: status, Reason: reason, Timestamp: p.now()})
}
