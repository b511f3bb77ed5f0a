// ABOUTME: In-process simulated Launcher and Executor for development and tests
// ABOUTME: Models launch delay, execution time, random failures, and crashed workers

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// MetaDuration overrides the simulated execution time for one request.
const MetaDuration = "simulated_duration"

// SimulatedOptions configures a SimulatedRuntime.
type SimulatedOptions struct {
	LaunchDelay   time.Duration
	ExecutionTime time.Duration
	FailureRate   float64  // probability in [0,1] that an execution fails
	Capabilities  []string // accepted capabilities; empty accepts any
	Logger        *slog.Logger
}

type simWorker struct {
	id         string
	capability string
}

func (w *simWorker) ID() string { return w.id }

// SimulatedRuntime pretends to run browsers.
type SimulatedRuntime struct {
	opts   SimulatedOptions
	caps   map[string]bool
	logger *slog.Logger

	mu    sync.Mutex
	seq   int
	alive map[string]bool
	rng   *rand.Rand
}

// NewSimulatedRuntime creates a simulated runtime.
func NewSimulatedRuntime(opts SimulatedOptions) *SimulatedRuntime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var caps map[string]bool
	if len(opts.Capabilities) > 0 {
		caps = make(map[string]bool, len(opts.Capabilities))
		for _, c := range opts.Capabilities {
			caps[c] = true
		}
	}
	return &SimulatedRuntime{
		opts:   opts,
		caps:   caps,
		logger: logger.With("component", "simulated-runtime"),
		alive:  make(map[string]bool),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// Launch waits LaunchDelay and returns a live worker.
func (s *SimulatedRuntime) Launch(ctx context.Context, capability string) (scheduler.Worker, error) {
	if s.caps != nil && !s.caps[capability] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCapability, capability)
	}
	if err := sleep(ctx, s.opts.LaunchDelay); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	w := &simWorker{id: "sim-" + capability + "-" + strconv.Itoa(s.seq), capability: capability}
	s.alive[w.id] = true
	s.logger.Debug("simulated worker launched", "worker", w.id)
	return w, nil
}

// Terminate marks the worker dead.
func (s *SimulatedRuntime) Terminate(_ context.Context, w scheduler.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, w.ID())
	return nil
}

// Alive reports whether the worker has not been terminated or crashed.
func (s *SimulatedRuntime) Alive(w scheduler.Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[w.ID()]
}

// Crash makes a worker stop answering liveness polls.
func (s *SimulatedRuntime) Crash(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, workerID)
}

// Execute validates the request's steps, waits the execution time, and
// succeeds unless the failure roll says otherwise.
func (s *SimulatedRuntime) Execute(ctx context.Context, a scheduler.Assignment) scheduler.Result {
	steps, err := ParseSteps(a.Request.Metadata)
	if err != nil {
		return failed(err)
	}

	d := s.opts.ExecutionTime
	if raw := a.Request.Metadata[MetaDuration]; raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			d = parsed
		}
	}
	if err := sleep(ctx, d); err != nil {
		return failed(err)
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	alive := a.Worker != nil && s.alive[a.Worker.ID()]
	s.mu.Unlock()

	if !alive {
		return failed(fmt.Errorf("worker %s is gone", a.AgentID))
	}
	if roll < s.opts.FailureRate {
		return failed(fmt.Errorf("simulated failure"))
	}
	return scheduler.Result{
		Status: scheduler.RequestCompleted,
		Output: map[string]string{
			"steps":       strconv.Itoa(len(steps)),
			"simulated":   "true",
			"duration_ms": strconv.FormatInt(d.Milliseconds(), 10),
		},
	}
}

var (
	_ scheduler.Launcher = (*SimulatedRuntime)(nil)
	_ scheduler.Executor = (*SimulatedRuntime)(nil)
)
