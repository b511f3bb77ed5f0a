// ABOUTME: RequestQueue owns live and archived requests: priority/FIFO ordering,
// ABOUTME: position and ETA recompute, the transition table, and bounded history.

package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/observability"
)

// Queue owns every request from submission until it leaves bounded history.
// State is guarded by the scheduler's mutex.
type Queue struct {
	mu     *sync.Mutex
	live   map[string]*Request
	queued []*Request // QUEUED subset, kept sorted by (rank, queuedAt, seq)
	seq    uint64

	history     []ArchivedRequest // oldest first
	archived    map[string]ArchivedRequest
	historySize int

	durations       []time.Duration // recent COMPLETED execution times
	avgWindow       int
	defaultEstimate time.Duration

	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

type queueOptions struct {
	historySize     int
	avgWindow       int
	defaultEstimate time.Duration
}

func newQueue(mu *sync.Mutex, opts queueOptions, events EventPublisher, logger *slog.Logger, now func() time.Time) *Queue {
	return &Queue{
		mu:              mu,
		live:            make(map[string]*Request),
		archived:        make(map[string]ArchivedRequest),
		historySize:     opts.historySize,
		avgWindow:       opts.avgWindow,
		defaultEstimate: opts.defaultEstimate,
		events:          events,
		logger:          logger,
		now:             now,
	}
}

// enqueueLocked validates sub, stores it as QUEUED and recomputes positions.
func (q *Queue) enqueueLocked(sub SubmitRequest) (*Request, error) {
	capability := strings.TrimSpace(sub.Capability)
	if capability == "" {
		return nil, fmt.Errorf("%w: capability is required", ErrInvalidRequest)
	}
	priority := sub.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, sub.Priority)
	}

	q.seq++
	r := &Request{
		ID:         uuid.New().String(),
		Name:       sub.Name,
		Capability: capability,
		Priority:   priority,
		Status:     RequestQueued,
		Timing:     Timing{QueuedAt: q.now()},
		seq:        q.seq,
	}
	if len(sub.Metadata) > 0 {
		r.Metadata = make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			r.Metadata[k] = v
		}
	}
	q.live[r.ID] = r
	q.queued = append(q.queued, r)
	q.recomputePositionsLocked()
	q.publish(EventRequestQueued, r)
	return r, nil
}

// peekNextLocked returns the highest-ordered QUEUED request accepted by match.
func (q *Queue) peekNextLocked(match func(capability string) bool) *Request {
	for _, r := range q.queued {
		if match == nil || match(r.Capability) {
			return r
		}
	}
	return nil
}

// dequeueNextLocked removes and returns the head of the QUEUED ordering.
// The request keeps status QUEUED; callers transition it.
func (q *Queue) dequeueNextLocked(match func(capability string) bool) *Request {
	r := q.peekNextLocked(match)
	if r == nil {
		return nil
	}
	q.removeQueuedLocked(r.ID)
	q.recomputePositionsLocked()
	return r
}

// requeueLocked puts a dequeued QUEUED request back into the ordering.
func (q *Queue) requeueLocked(r *Request) {
	if r.Status != RequestQueued {
		return
	}
	for _, existing := range q.queued {
		if existing.ID == r.ID {
			return
		}
	}
	q.queued = append(q.queued, r)
	q.recomputePositionsLocked()
}

func (q *Queue) removeQueuedLocked(id string) {
	for i, r := range q.queued {
		if r.ID == id {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			return
		}
	}
}

// recomputePositionsLocked re-sorts the QUEUED subset and reassigns positions
// 1..N with ETA now + k * average execution time.
func (q *Queue) recomputePositionsLocked() {
	sort.SliceStable(q.queued, func(i, j int) bool {
		a, b := q.queued[i], q.queued[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.Timing.QueuedAt.Equal(b.Timing.QueuedAt) {
			return a.Timing.QueuedAt.Before(b.Timing.QueuedAt)
		}
		return a.seq < b.seq
	})
	now := q.now()
	avg := q.averageLocked()
	for i, r := range q.queued {
		r.QueuePosition = i + 1
		r.EstimatedStartTime = now.Add(time.Duration(i+1) * avg)
	}
}

// transitionLocked moves a live request along one legal edge.
func (q *Queue) transitionLocked(id string, to RequestStatus) error {
	r, ok := q.live[id]
	if !ok {
		if _, done := q.archived[id]; done {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		return ErrRequestNotFound
	}
	from := r.Status
	if !CanTransition(from, to) {
		observability.Default.IncCounter("illegal_transitions_total", map[string]string{
			"from": string(from),
			"to":   string(to),
		}, 1)
		q.logger.Error("illegal request transition rejected",
			"request_id", id,
			"from", from,
			"to", to,
		)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	r.Status = to
	if from == RequestQueued {
		q.removeQueuedLocked(id)
		r.QueuePosition = 0
		q.recomputePositionsLocked()
	}
	now := q.now()
	switch to {
	case RequestProcessing:
		r.Timing.StartedAt = &now
	case RequestCompleted, RequestFailed, RequestCancelled:
		r.Timing.CompletedAt = &now
	}
	q.publish(requestEventType(to), r)
	return nil
}

// archiveLocked applies the terminal transition for res and moves the request
// into history.
func (q *Queue) archiveLocked(id string, res Result) (ArchivedRequest, error) {
	if !res.Status.Terminal() {
		return ArchivedRequest{}, fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, res.Status)
	}
	r, ok := q.live[id]
	var prevReason string
	if ok {
		prevReason = r.Reason
		r.Reason = res.Reason
	}
	if err := q.transitionLocked(id, res.Status); err != nil {
		if ok {
			r.Reason = prevReason
		}
		return ArchivedRequest{}, err
	}
	delete(q.live, id)

	completed := *r.Timing.CompletedAt
	rec := ArchivedRequest{
		ID:         r.ID,
		Name:       r.Name,
		Capability: r.Capability,
		Priority:   r.Priority,
		Status:     r.Status,
		Reason:     r.Reason,
		AgentID:    r.AssignedAgentID,
		Timing:     r.clone().Timing,
		TotalTime:  completed.Sub(r.Timing.QueuedAt),
		Metadata:   r.clone().Metadata,
		Output:     res.Output,
	}
	if r.Timing.StartedAt != nil {
		rec.WaitTime = r.Timing.StartedAt.Sub(r.Timing.QueuedAt)
		rec.ExecutionTime = completed.Sub(*r.Timing.StartedAt)
	} else {
		rec.WaitTime = rec.TotalTime
	}
	if rec.Status == RequestCompleted {
		q.observeDurationLocked(rec.ExecutionTime)
	}

	q.history = append(q.history, rec)
	q.archived[rec.ID] = rec
	for len(q.history) > q.historySize {
		delete(q.archived, q.history[0].ID)
		q.history = q.history[1:]
	}
	observability.Default.IncCounter("requests_archived_total", map[string]string{"status": string(rec.Status)}, 1)
	return rec, nil
}

func (q *Queue) observeDurationLocked(d time.Duration) {
	q.durations = append(q.durations, d)
	if over := len(q.durations) - q.avgWindow; over > 0 {
		q.durations = q.durations[over:]
	}
}

// seedDurationsLocked primes the moving average, e.g. from persisted history.
func (q *Queue) seedDurationsLocked(ds []time.Duration) {
	for _, d := range ds {
		if d > 0 {
			q.observeDurationLocked(d)
		}
	}
	q.recomputePositionsLocked()
}

func (q *Queue) averageLocked() time.Duration {
	if len(q.durations) == 0 {
		return q.defaultEstimate
	}
	var sum time.Duration
	for _, d := range q.durations {
		sum += d
	}
	return sum / time.Duration(len(q.durations))
}

func (q *Queue) depthLocked() int {
	return len(q.queued)
}

// demandLocked counts QUEUED requests per capability.
func (q *Queue) demandLocked() map[string]int {
	out := make(map[string]int)
	for _, r := range q.queued {
		out[r.Capability]++
	}
	return out
}

func (q *Queue) snapshotLocked() []QueueEntry {
	out := make([]QueueEntry, 0, len(q.queued))
	for _, r := range q.queued {
		out = append(out, QueueEntry{
			ID:                 r.ID,
			Name:               r.Name,
			Capability:         r.Capability,
			Priority:           r.Priority,
			Position:           r.QueuePosition,
			QueuedAt:           r.Timing.QueuedAt,
			EstimatedStartTime: r.EstimatedStartTime,
		})
	}
	return out
}

// historyLocked returns up to limit archived requests, newest first.
// A non-positive limit returns everything retained.
func (q *Queue) historyLocked(limit int) []ArchivedRequest {
	n := len(q.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ArchivedRequest, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.history[i])
	}
	return out
}

// lookupLocked finds id among live requests, then history.
func (q *Queue) lookupLocked(id string) (RequestView, error) {
	if r, ok := q.live[id]; ok {
		return r.view(), nil
	}
	if rec, ok := q.archived[id]; ok {
		return rec.view(), nil
	}
	return RequestView{}, ErrRequestNotFound
}

func (q *Queue) publish(t EventType, r *Request) {
	q.events.Publish(Event{
		Type:      t,
		RequestID: r.ID,
		AgentID:   r.AssignedAgentID,
		Status:    string(r.Status),
		Reason:    r.Reason,
		Timestamp: q.now(),
	})
}
