// ABOUTME: Test doubles for the scheduler: fake launcher, executors, clock, recorder.
// ABOUTME: Also provides helpers that build a scheduler and bring agents online.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct{ id string }

func (w *fakeWorker) ID() string { return w.id }

type fakeLauncher struct {
	mu         sync.Mutex
	launched   int
	terminated []string
	dead       map[string]bool
	failWith   error
	delay      time.Duration
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{dead: make(map[string]bool)}
}

func (l *fakeLauncher) Launch(ctx context.Context, capability string) (Worker, error) {
	l.mu.Lock()
	delay, failWith := l.delay, l.failWith
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched++
	return &fakeWorker{id: fmt.Sprintf("%s-%d", capability, l.launched)}, nil
}

func (l *fakeLauncher) Terminate(_ context.Context, w Worker) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, w.ID())
	return nil
}

func (l *fakeLauncher) Alive(w Worker) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[w.ID()]
}

func (l *fakeLauncher) kill(workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[workerID] = true
}

func (l *fakeLauncher) launchedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched
}

func (l *fakeLauncher) terminatedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.terminated)
}

// blockingExecutor reports each start and waits for a result or cancellation.
type blockingExecutor struct {
	started  chan Assignment
	results  chan Result
	canceled chan string
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started:  make(chan Assignment, 64),
		results:  make(chan Result, 64),
		canceled: make(chan string, 64),
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, a Assignment) Result {
	e.started <- a
	select {
	case r := <-e.results:
		return r
	case <-ctx.Done():
		e.canceled <- a.Request.ID
		return Result{Status: RequestFailed, Reason: "interrupted"}
	}
}

// sleepExecutor completes every assignment after a fixed delay.
type sleepExecutor struct {
	d time.Duration
}

func (e sleepExecutor) Execute(ctx context.Context, a Assignment) Result {
	select {
	case <-time.After(e.d):
		return Result{Status: RequestCompleted, Output: map[string]string{"agent": a.AgentID}}
	case <-ctx.Done():
		return Result{Status: RequestFailed, Reason: "interrupted"}
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []ArchivedRequest
	fail bool
}

func (r *memRecorder) Record(_ context.Context, rec ArchivedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) all() []ArchivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ArchivedRequest(nil), r.recs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, p Params) *Scheduler {
	t.Helper()
	if p.Launcher == nil {
		p.Launcher = newFakeLauncher()
	}
	if p.Logger == nil {
		p.Logger = testLogger()
	}
	s, err := New(p)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// startAgents creates n agents for capability and waits until they are AVAILABLE.
func startAgents(t *testing.T, s *Scheduler, capability string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		id, err := s.pool.createLocked(capability)
		if err != nil {
			s.mu.Unlock()
			require.NoError(t, err)
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			a, ok := agentByID(s, id)
			if !ok || a.Status != AgentAvailable {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return ids
}

func agentByID(s *Scheduler, id string) (AgentSnapshot, bool) {
	for _, a := range s.PoolSnapshot() {
		if a.ID == id {
			return a, true
		}
	}
	return AgentSnapshot{}, false
}

func countStatus(s *Scheduler, status AgentStatus) int {
	n := 0
	for _, a := range s.PoolSnapshot() {
		if a.Status == status {
			n++
		}
	}
	return n
}

func submit(t *testing.T, s *Scheduler, name string, p Priority) string {
	t.Helper()
	res, err := s.Submit(SubmitRequest{Name: name, Capability: "chromium", Priority: p})
	require.NoError(t, err)
	return res.ID
}

// invariantViolation describes the first broken pool/queue invariant, or "".
// BUSY must coincide with a held request, no request may be held twice, and
// queued positions must run 1..N.
func invariantViolation(s *Scheduler) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := make(map[string]string)
	for _, a := range s.pool.agents {
		if (a.Status == AgentBusy) != (a.CurrentRequestID != "") {
			return fmt.Sprintf("agent %s is %s holding %q", a.ID, a.Status, a.CurrentRequestID)
		}
		if a.CurrentRequestID == "" {
			continue
		}
		if other, dup := held[a.CurrentRequestID]; dup {
			return fmt.Sprintf("request %s held by %s and %s", a.CurrentRequestID, a.ID, other)
		}
		held[a.CurrentRequestID] = a.ID
	}
	for i, r := range s.queue.queued {
		if r.QueuePosition != i+1 || r.Status != RequestQueued {
			return fmt.Sprintf("queued request %s at index %d has position %d status %s", r.ID, i, r.QueuePosition, r.Status)
		}
	}
	return ""
}

func checkInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Empty(t, invariantViolation(s))
}
