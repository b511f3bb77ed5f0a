// ABOUTME: Sliding-window counter of agent failures (launch failures, heartbeat timeouts).
// ABOUTME: Exceeding the budget is logged at error level and never stops the loops.

package scheduler

import (
	"log/slog"
	"time"
)

type errorBudget struct {
	limit  int
	window time.Duration
	events []time.Time
	logger *slog.Logger
}

func newErrorBudget(limit int, window time.Duration, logger *slog.Logger) *errorBudget {
	return &errorBudget{limit: limit, window: window, logger: logger}
}

// record notes one failure at now and returns the count inside the window.
func (b *errorBudget) record(now time.Time, kind, agentID string) int {
	b.prune(now)
	b.events = append(b.events, now)
	n := len(b.events)
	if b.limit > 0 && n > b.limit {
		b.logger.Error("error budget exceeded",
			"kind", kind,
			"agent_id", agentID,
			"failures", n,
			"limit", b.limit,
			"window", b.window,
		)
	}
	return n
}

func (b *errorBudget) count(now time.Time) int {
	b.prune(now)
	return len(b.events)
}

func (b *errorBudget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}
