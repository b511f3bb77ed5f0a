// ABOUTME: Scheduler is the single exclusion domain owning the pool, queue, dispatcher,
// ABOUTME: and autoscaler; it exposes submit/cancel/snapshots and drives execution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet-gateway/internal/observability"
)

// Config tunes the scheduler. Zero durations and sizes take defaults.
type Config struct {
	MinAgents         int
	MaxAgents         int
	RequestsPerAgent  int
	DefaultCapability string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ErrorGracePeriod  time.Duration
	ErrorBudget       int
	ErrorBudgetWindow time.Duration
	LaunchTimeout     time.Duration

	DispatchInterval time.Duration
	CreateOnDemand   bool
	CancelTimeout    time.Duration

	AutoscaleEnabled  bool
	AutoscaleInterval time.Duration
	AutoscaleCooldown time.Duration

	HistorySize              int
	DefaultExecutionEstimate time.Duration
	AverageWindow            int
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 5
	}
	if c.MinAgents < 0 {
		c.MinAgents = 0
	}
	if c.RequestsPerAgent <= 0 {
		c.RequestsPerAgent = 5
	}
	if c.DefaultCapability == "" {
		c.DefaultCapability = "chromium"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ErrorGracePeriod <= 0 {
		c.ErrorGracePeriod = 2 * time.Minute
	}
	if c.ErrorBudget <= 0 {
		c.ErrorBudget = 5
	}
	if c.ErrorBudgetWindow <= 0 {
		c.ErrorBudgetWindow = 10 * time.Minute
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 45 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = 60 * time.Second
	}
	if c.AutoscaleCooldown < 0 {
		c.AutoscaleCooldown = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.DefaultExecutionEstimate <= 0 {
		c.DefaultExecutionEstimate = 30 * time.Second
	}
	if c.AverageWindow <= 0 {
		c.AverageWindow = 50
	}
	return c
}

// Params are the dependencies of a Scheduler. Launcher is required.
type Params struct {
	Config   Config
	Launcher Launcher
	Executor Executor        // optional; without it external callers drive Begin/Complete/Fail
	Events   EventPublisher  // optional
	Recorder HistoryRecorder // optional
	Logger   *slog.Logger
	Now      func() time.Time // optional clock, for tests
}

// execution is an in-flight Executor call. Only its own goroutine removes it
// from the inflight map.
type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns all pool and queue state behind one mutex.
type Scheduler struct {
	mu sync.Mutex

	cfg        Config
	pool       *Pool
	queue      *Queue
	dispatcher *Dispatcher
	autoscaler *Autoscaler

	launcher Launcher
	executor Executor
	events   EventPublisher
	recorder HistoryRecorder
	logger   *slog.Logger
	now      func() time.Time

	inflight map[string]*execution

	ctx      context.Context
	cancel   context.CancelFunc
	execs    sync.WaitGroup
	persists sync.WaitGroup
	stopOnce sync.Once

	// loopCtx stops the Run loops; stopped rejects new work. Both flip first in shutdown.
	loopCtx   context.Context
	stopLoops context.CancelFunc
	loops     sync.WaitGroup
	stopped   bool
}

// New builds a Scheduler. It does nothing until Run is called, but every
// method is usable before that.
func New(p Params) (*Scheduler, error) {
	if p.Launcher == nil {
		return nil, errors.New("scheduler: launcher is required")
	}
	cfg := p.Config.withDefaults()
	if cfg.MinAgents > cfg.MaxAgents {
		return nil, fmt.Errorf("scheduler: min agents (%d) exceeds max agents (%d)", cfg.MinAgents, cfg.MaxAgents)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := p.Events
	if events == nil {
		events = nopPublisher{}
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopCtx, stopLoops := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		launcher: p.Launcher,
		executor: p.Executor,
		events:   events,
		recorder: p.Recorder,
		logger:   logger,
		now:      now,
		inflight: make(map[string]*execution),
		ctx:      ctx,
		cancel:   cancel,

		loopCtx:   loopCtx,
		stopLoops: stopLoops,
	}

	budget := newErrorBudget(cfg.ErrorBudget, cfg.ErrorBudgetWindow, logger.With("component", "error-budget"))
	s.pool = newPool(ctx, &s.mu, poolOptions{
		max:              cfg.MaxAgents,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		errorGrace:       cfg.ErrorGracePeriod,
		launchTimeout:    cfg.LaunchTimeout,
		budget:           budget,
	}, p.Launcher, events, logger.With("component", "pool"), now)
	s.queue = newQueue(&s.mu, queueOptions{
		historySize:     cfg.HistorySize,
		avgWindow:       cfg.AverageWindow,
		defaultEstimate: cfg.DefaultExecutionEstimate,
	}, events, logger.With("component", "queue"), now)
	s.dispatcher = newDispatcher(&s.mu, s.pool, s.queue, cfg.DispatchInterval, cfg.CreateOnDemand, logger.With("component", "dispatcher"))
	s.autoscaler = newAutoscaler(&s.mu, s.pool, s.queue, ScalePolicy{
		MinAgents:         cfg.MinAgents,
		MaxAgents:         cfg.MaxAgents,
		RequestsPerAgent:  cfg.RequestsPerAgent,
		DefaultCapability: cfg.DefaultCapability,
		Cooldown:          cfg.AutoscaleCooldown,
	}, cfg.AutoscaleInterval, logger.With("component", "autoscaler"), now)

	s.pool.wake = s.dispatcher.Wake
	s.dispatcher.onAssignLocked = s.registerExecutionLocked
	s.dispatcher.handoff = s.startExecutions
	return s, nil
}

// Run drives the dispatcher, autoscaler, and heartbeat sweep until ctx is done
// or Shutdown is called, then shuts down in-flight work and terminates every worker.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.loops.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.loopCtx, cancel)()

	s.logger.Info("scheduler starting",
		"min_agents", s.cfg.MinAgents,
		"max_agents", s.cfg.MaxAgents,
		"autoscale", s.cfg.AutoscaleEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.dispatcher.run(gctx)
		return nil
	})
	if s.cfg.AutoscaleEnabled {
		g.Go(func() error {
			s.autoscaler.run(gctx)
			return nil
		})
	} else {
		g.Go(func() error {
			s.ensureMinimum()
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.CheckHeartbeats(gctx)
			}
		}
	})

	err := g.Wait()
	s.loops.Done()
	s.Shutdown()
	return err
}

// ensureMinimum creates agents up to MinAgents when the autoscaler is off.
func (s *Scheduler) ensureMinimum() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pool.activeSizeLocked() < s.cfg.MinAgents {
		if _, err := s.pool.createLocked(s.cfg.DefaultCapability); err != nil {
			return
		}
	}
}

// Submit validates and enqueues a request. It succeeds at zero spare capacity.
func (s *Scheduler) Submit(sub SubmitRequest) (SubmitResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return SubmitResult{}, ErrShuttingDown
	}
	r, err := s.queue.enqueueLocked(sub)
	if err != nil {
		s.mu.Unlock()
		return SubmitResult{}, err
	}
	res := SubmitResult{ID: r.ID, QueuePosition: r.QueuePosition, EstimatedStartTime: r.EstimatedStartTime}
	priority, capability := r.Priority, r.Capability
	depth := s.queue.depthLocked()
	s.mu.Unlock()

	observability.Default.IncCounter("requests_submitted_total", map[string]string{"priority": string(priority)}, 1)
	observability.Default.SetGauge("queue_depth", nil, float64(depth))
	s.logger.Info("request queued",
		"request_id", res.ID,
		"name", sub.Name,
		"capability", capability,
		"priority", priority,
		"position", res.QueuePosition,
	)
	s.dispatcher.Wake()
	return res, nil
}

// Cancel moves a live request to CANCELLED. An assigned agent is signalled and
// returned to AVAILABLE whether or not the executor acknowledges in time.
func (s *Scheduler) Cancel(id string) (CancelResult, error) {
	s.mu.Lock()
	req, ok := s.queue.live[id]
	if !ok {
		_, archived := s.queue.archived[id]
		s.mu.Unlock()
		if archived {
			return CancelResult{Reason: "request already terminal"}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		return CancelResult{Reason: "request not found"}, ErrRequestNotFound
	}
	wasQueued := req.Status == RequestQueued
	agentID := req.AssignedAgentID
	rec, err := s.queue.archiveLocked(id, Result{Status: RequestCancelled, Reason: ReasonCancelled})
	if err != nil {
		s.mu.Unlock()
		return CancelResult{Reason: err.Error()}, err
	}
	ex := s.inflight[id]
	s.mu.Unlock()

	s.logger.Info("request cancelled", "request_id", id, "agent_id", agentID)
	s.persist(rec)
	if wasQueued {
		return CancelResult{Success: true}, nil
	}

	if ex != nil {
		ex.cancel()
		select {
		case <-ex.done:
		case <-time.After(s.cfg.CancelTimeout):
			s.logger.Warn("executor did not acknowledge cancellation", "request_id", id, "agent_id", agentID)
		}
	}
	s.mu.Lock()
	s.pool.releaseHeldLocked(agentID, id)
	s.mu.Unlock()
	return CancelResult{Success: true}, nil
}

// Begin marks an ASSIGNED request PROCESSING.
func (s *Scheduler) Begin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.transitionLocked(id, RequestProcessing); err != nil {
		return err
	}
	if a, ok := s.pool.agents[s.queue.live[id].AssignedAgentID]; ok {
		a.LastActivity = s.now()
	}
	return nil
}

// Complete archives a PROCESSING request as COMPLETED and releases its agent.
func (s *Scheduler) Complete(id string, output map[string]string) (ArchivedRequest, error) {
	return s.finish(id, Result{Status: RequestCompleted, Output: output})
}

// Fail archives an ASSIGNED or PROCESSING request as FAILED and releases its agent.
func (s *Scheduler) Fail(id, reason string) (ArchivedRequest, error) {
	if reason == "" {
		reason = ReasonExecutionFailed
	}
	return s.finish(id, Result{Status: RequestFailed, Reason: reason})
}

func (s *Scheduler) finish(id string, res Result) (ArchivedRequest, error) {
	s.mu.Lock()
	if ex, ok := s.inflight[id]; ok {
		ex.cancel()
	}
	req, ok := s.queue.live[id]
	if !ok {
		_, archived := s.queue.archived[id]
		s.mu.Unlock()
		if archived {
			return ArchivedRequest{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		return ArchivedRequest{}, ErrRequestNotFound
	}
	agentID := req.AssignedAgentID
	rec, err := s.queue.archiveLocked(id, res)
	if err != nil {
		s.mu.Unlock()
		return ArchivedRequest{}, err
	}
	s.pool.releaseHeldLocked(agentID, id)
	s.mu.Unlock()

	s.logger.Info("request finished",
		"request_id", id,
		"agent_id", agentID,
		"status", rec.Status,
		"reason", rec.Reason,
		"execution_time", rec.ExecutionTime,
	)
	s.persist(rec)
	return rec, nil
}

func (s *Scheduler) registerExecutionLocked(a Assignment) {
	if s.executor == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight[a.Request.ID] = &execution{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.execs.Add(1)
}

func (s *Scheduler) startExecutions(assigned []Assignment) {
	if s.executor == nil {
		return
	}
	s.mu.Lock()
	exs := make([]*execution, len(assigned))
	for i, a := range assigned {
		exs[i] = s.inflight[a.Request.ID]
	}
	s.mu.Unlock()
	for i, a := range assigned {
		if exs[i] != nil {
			go s.execute(a, exs[i])
		}
	}
}

func (s *Scheduler) execute(a Assignment, ex *execution) {
	id := a.Request.ID
	defer s.execs.Done()
	defer close(ex.done)
	defer func() {
		ex.cancel()
		s.mu.Lock()
		if s.inflight[id] == ex {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}()

	if err := s.Begin(id); err != nil {
		// Cancelled, lost, or retired between assignment and start.
		return
	}
	res := s.executor.Execute(ex.ctx, a)
	if !res.Status.Terminal() {
		res = Result{Status: RequestFailed, Reason: ReasonExecutionFailed, Output: res.Output}
	}
	if res.Status == RequestFailed && res.Reason == "" {
		res.Reason = ReasonExecutionFailed
	}
	if _, err := s.finish(id, res); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		s.logger.Warn("execution outcome rejected", "request_id", id, "error", err)
	}
}

// CheckHeartbeats polls worker liveness, forces silent agents to ERROR (failing
// any request they held as agent-lost), and retires agents whose error grace
// period has elapsed.
func (s *Scheduler) CheckHeartbeats(ctx context.Context) {
	s.mu.Lock()
	probes := s.pool.probesLocked()
	s.mu.Unlock()

	alive := make(map[string]bool, len(probes))
	for id, w := range probes {
		if ctx.Err() != nil {
			return
		}
		alive[id] = s.launcher.Alive(w)
	}

	s.mu.Lock()
	now := s.now()
	for id, ok := range alive {
		a, exists := s.pool.agents[id]
		if ok && exists && a.Status != AgentError && a.Status != AgentStopping {
			a.LastActivity = now
		}
	}
	var lost []ArchivedRequest
	var cancels []*execution
	for _, e := range s.pool.expireLocked(now) {
		observability.Default.IncCounter("heartbeat_timeouts_total", nil, 1)
		if e.requestID == "" {
			continue
		}
		if rec, err := s.queue.archiveLocked(e.requestID, Result{Status: RequestFailed, Reason: ReasonAgentLost}); err == nil {
			lost = append(lost, rec)
		}
		if ex := s.inflight[e.requestID]; ex != nil {
			cancels = append(cancels, ex)
		}
	}
	var stopping []Worker
	for _, id := range s.pool.erroredPastGraceLocked(now) {
		if w, err := s.pool.retireLocked(id, "error grace period elapsed"); err == nil {
			stopping = append(stopping, w)
		}
	}
	s.recordGaugesLocked()
	s.mu.Unlock()

	for _, ex := range cancels {
		ex.cancel()
	}
	for _, rec := range lost {
		s.logger.Warn("request failed: agent lost", "request_id", rec.ID, "agent_id", rec.AgentID)
		s.persist(rec)
	}
	for _, w := range stopping {
		s.pool.stopWorker(w)
	}
}

// Heartbeat records a push heartbeat with an optional performance snapshot.
func (s *Scheduler) Heartbeat(agentID string, perf map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.touchLocked(agentID, perf)
}

// SetMaintenance moves an agent between AVAILABLE and MAINTENANCE.
func (s *Scheduler) SetMaintenance(agentID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.setMaintenanceLocked(agentID, on)
}

// Retire removes an agent and terminates its worker in the background. A request
// it held is failed as agent-retired.
func (s *Scheduler) Retire(agentID string) error {
	s.mu.Lock()
	a, ok := s.pool.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return ErrAgentNotFound
	}
	held := a.CurrentRequestID
	w, err := s.pool.retireLocked(agentID, "retired")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var rec ArchivedRequest
	var failed bool
	var ex *execution
	if held != "" {
		if r, err := s.queue.archiveLocked(held, Result{Status: RequestFailed, Reason: ReasonAgentRetired}); err == nil {
			rec, failed = r, true
		}
		ex = s.inflight[held]
	}
	s.recordGaugesLocked()
	s.mu.Unlock()

	if ex != nil {
		ex.cancel()
	}
	if failed {
		s.persist(rec)
	}
	s.pool.stopWorker(w)
	return nil
}

// FindAvailable returns an AVAILABLE agent for capability, starting one when
// none exists and the pool has room.
func (s *Scheduler) FindAvailable(capability string) (AgentSnapshot, bool) {
	return s.pool.FindAvailable(capability)
}

// Activate runs one dispatcher activation immediately.
func (s *Scheduler) Activate(ctx context.Context) int {
	return s.dispatcher.Activate(ctx)
}

// Provision starts agents for queued capabilities that have none, as the
// dispatcher loop does after each activation when create-on-demand is on.
func (s *Scheduler) Provision(ctx context.Context) int {
	return s.dispatcher.Provision(ctx)
}

// Evaluate runs one autoscaler evaluation immediately.
func (s *Scheduler) Evaluate(ctx context.Context) Decision {
	return s.autoscaler.Evaluate(ctx)
}

// QueueSnapshot lists QUEUED requests ordered by position.
func (s *Scheduler) QueueSnapshot() []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshotLocked()
}

// PoolSnapshot lists every agent, oldest first.
func (s *Scheduler) PoolSnapshot() []AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.snapshotLocked()
}

// History returns up to limit archived requests, newest first.
func (s *Scheduler) History(limit int) []ArchivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.historyLocked(limit)
}

// GetRequest describes a live or archived request.
func (s *Scheduler) GetRequest(id string) (RequestView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.lookupLocked(id)
}

// SeedDurations primes the ETA moving average with past execution times.
func (s *Scheduler) SeedDurations(ds []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.seedDurationsLocked(ds)
}

// Ready reports whether at least one agent can serve or is serving work.
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := s.pool.countByStatusLocked()
	return counts[AgentAvailable]+counts[AgentBusy] > 0
}

// Shutdown fails in-flight work, cancels queued work, stops executions and
// launches, and terminates every worker. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(s.shutdown)
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.pool.closed = true
	s.mu.Unlock()
	s.stopLoops()
	s.loops.Wait()

	s.mu.Lock()
	var recs []ArchivedRequest
	for id, r := range s.queue.live {
		res := Result{Status: RequestCancelled, Reason: ReasonShutdown}
		if r.Status != RequestQueued {
			res.Status = RequestFailed
		}
		if rec, err := s.queue.archiveLocked(id, res); err == nil {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()

	s.cancel()
	waitTimeout(&s.execs, s.cfg.CancelTimeout)
	s.pool.launches.Wait()

	s.mu.Lock()
	var workers []Worker
	for _, a := range s.pool.agents {
		a.Status = AgentStopping
		a.CurrentRequestID = ""
		if a.worker != nil {
			workers = append(workers, a.worker)
		}
	}
	s.mu.Unlock()

	for _, w := range workers {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LaunchTimeout)
		if err := s.launcher.Terminate(ctx, w); err != nil {
			s.logger.Warn("worker terminate failed", "worker", w.ID(), "error", err)
		}
		cancel()
	}
	s.pool.stops.Wait()

	s.mu.Lock()
	for _, a := range s.pool.agents {
		a.Status = AgentOffline
	}
	s.recordGaugesLocked()
	s.mu.Unlock()

	for _, rec := range recs {
		s.persist(rec)
	}
	s.persists.Wait()
	s.logger.Info("scheduler stopped", "archived_on_shutdown", len(recs), "workers_terminated", len(workers))
}

// persist hands rec to the HistoryRecorder in the background.
func (s *Scheduler) persist(rec ArchivedRequest) {
	if s.recorder == nil {
		return
	}
	s.persists.Add(1)
	go func() {
		defer s.persists.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.Record(ctx, rec); err != nil {
			s.logger.Warn("failed to persist archived request", "request_id", rec.ID, "error", err)
		}
	}()
}

func (s *Scheduler) recordGaugesLocked() {
	observability.Default.SetGauge("queue_depth", nil, float64(s.queue.depthLocked()))
	observability.Default.SetGauge("pool_size", nil, float64(s.pool.activeSizeLocked()))
	for _, st := range []AgentStatus{AgentStarting, AgentAvailable, AgentBusy, AgentError, AgentMaintenance} {
		observability.Default.SetGauge("pool_agents", map[string]string{"status": string(st)}, 0)
	}
	for st, n := range s.pool.countByStatusLocked() {
		observability.Default.SetGauge("pool_agents", map[string]string{"status": string(st)}, float64(n))
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
