// ABOUTME: Autoscaler sizes the pool from queue depth on its own tick,
// ABOUTME: creating agents for unmet demand and retiring only idle agents.

package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/fleet-gateway/internal/observability"
)

// ScalePolicy is the autoscaler's sizing input.
type ScalePolicy struct {
	MinAgents         int
	MaxAgents         int
	RequestsPerAgent  int
	DefaultCapability string
	Cooldown          time.Duration
}

// Decision records one autoscaler evaluation.
type Decision struct {
	QueueDepth  int  `json:"queue_depth"`
	CurrentSize int  `json:"current_size"`
	Target      int  `json:"target"`
	Created     int  `json:"created"`
	Retired     int  `json:"retired"`
	Suppressed  bool `json:"suppressed"`
}

// Target computes the desired pool size for a queue depth.
func Target(depth, minAgents, maxAgents, perAgent int) int {
	if depth <= 0 {
		return minAgents
	}
	if perAgent <= 0 {
		perAgent = 1
	}
	t := (depth + perAgent - 1) / perAgent
	if t < minAgents {
		t = minAgents
	}
	if t > maxAgents {
		t = maxAgents
	}
	return t
}

// Autoscaler is the feedback loop over Pool size.
type Autoscaler struct {
	mu         *sync.Mutex
	pool       *Pool
	queue      *Queue
	policy     ScalePolicy
	interval   time.Duration
	lastAction time.Time
	logger     *slog.Logger
	now        func() time.Time
}

func newAutoscaler(mu *sync.Mutex, pool *Pool, queue *Queue, policy ScalePolicy, interval time.Duration, logger *slog.Logger, now func() time.Time) *Autoscaler {
	return &Autoscaler{
		mu:       mu,
		pool:     pool,
		queue:    queue,
		policy:   policy,
		interval: interval,
		logger:   logger,
		now:      now,
	}
}

func (a *Autoscaler) run(ctx context.Context) {
	a.Evaluate(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Evaluate(ctx)
		}
	}
}

// Evaluate computes the target and, outside the cooldown, creates or retires agents.
func (a *Autoscaler) Evaluate(ctx context.Context) Decision {
	_, span := observability.StartSpan(ctx, "autoscaler.evaluate")
	defer span.End()

	a.mu.Lock()
	now := a.now()
	d := Decision{
		QueueDepth:  a.queue.depthLocked(),
		CurrentSize: a.pool.activeSizeLocked(),
	}
	d.Target = Target(d.QueueDepth, a.policy.MinAgents, a.policy.MaxAgents, a.policy.RequestsPerAgent)

	var stopping []Worker
	switch {
	case !a.lastAction.IsZero() && now.Sub(a.lastAction) < a.policy.Cooldown:
		d.Suppressed = d.Target != d.CurrentSize
	case d.Target > d.CurrentSize:
		for _, capability := range a.createPlanLocked(d.Target - d.CurrentSize) {
			if _, err := a.pool.createLocked(capability); err != nil {
				break
			}
			d.Created++
		}
	case d.Target < d.CurrentSize:
		idle := a.pool.idleLocked()
		for i := 0; i < len(idle) && d.Retired < d.CurrentSize-d.Target; i++ {
			w, err := a.pool.retireLocked(idle[i].ID, "scale-down")
			if err != nil {
				continue
			}
			stopping = append(stopping, w)
			d.Retired++
		}
	}
	if d.Created+d.Retired > 0 {
		a.lastAction = now
	}
	observability.Default.SetGauge("autoscale_target", nil, float64(d.Target))
	observability.Default.SetGauge("pool_size", nil, float64(a.pool.activeSizeLocked()))
	a.mu.Unlock()

	for _, w := range stopping {
		a.pool.stopWorker(w)
	}

	span.SetAttributes(
		attribute.Int("autoscale.depth", d.QueueDepth),
		attribute.Int("autoscale.size", d.CurrentSize),
		attribute.Int("autoscale.target", d.Target),
	)
	if d.Created > 0 {
		observability.Default.IncCounter("autoscale_actions_total", map[string]string{"action": "create"}, float64(d.Created))
	}
	if d.Retired > 0 {
		observability.Default.IncCounter("autoscale_actions_total", map[string]string{"action": "retire"}, float64(d.Retired))
	}
	if d.Created > 0 || d.Retired > 0 {
		a.logger.Info("autoscale",
			"queue_depth", d.QueueDepth,
			"current_size", d.CurrentSize,
			"target", d.Target,
			"created", d.Created,
			"retired", d.Retired,
		)
	} else if d.Suppressed {
		a.logger.Debug("autoscale suppressed by cooldown", "target", d.Target, "current_size", d.CurrentSize)
	}
	return d
}

// createPlanLocked picks a capability for each of n creates, largest unmet
// queued demand first, falling back to the default capability.
func (a *Autoscaler) createPlanLocked(n int) []string {
	demand := a.queue.demandLocked()
	supply := a.pool.supplyLocked()
	unmet := make(map[string]int, len(demand))
	caps := make([]string, 0, len(demand))
	for c, q := range demand {
		unmet[c] = q - supply[c]
		caps = append(caps, c)
	}
	sort.Strings(caps)

	plan := make([]string, 0, n)
	for len(plan) < n {
		best, bestUnmet := "", 0
		for _, c := range caps {
			if unmet[c] > bestUnmet {
				best, bestUnmet = c, unmet[c]
			}
		}
		if best == "" {
			plan = append(plan, a.policy.DefaultCapability)
			continue
		}
		unmet[best]--
		plan = append(plan, best)
	}
	return plan
}
