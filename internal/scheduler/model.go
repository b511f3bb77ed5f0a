// ABOUTME: Shared vocabulary for the scheduler: agents, requests, priorities, and statuses.
// ABOUTME: Also defines the legal request transition table and read-only snapshot types.

package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a worker slot.
type AgentStatus string

const (
	AgentStarting    AgentStatus = "STARTING"
	AgentAvailable   AgentStatus = "AVAILABLE"
	AgentBusy        AgentStatus = "BUSY"
	AgentError       AgentStatus = "ERROR"
	AgentMaintenance AgentStatus = "MAINTENANCE"
	AgentStopping    AgentStatus = "STOPPING"
	AgentOffline     AgentStatus = "OFFLINE"
)

// counted reports whether the agent occupies a slot for sizing purposes.
func (s AgentStatus) counted() bool {
	return s != AgentOffline && s != AgentError
}

// Priority orders queued requests. Lower rank dispatches first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Rank returns the sort key for the priority (CRITICAL=0 ... LOW=3).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority converts a case-insensitive name to a Priority.
// An empty string maps to NORMAL.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, s)
	}
	return p, nil
}

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "QUEUED"
	RequestAssigned   RequestStatus = "ASSIGNED"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// legalTransitions is the complete edge set of the request state machine.
var legalTransitions = map[RequestStatus][]RequestStatus{
	RequestQueued:     {RequestAssigned, RequestCancelled},
	RequestAssigned:   {RequestProcessing, RequestCancelled, RequestFailed},
	RequestProcessing: {RequestCompleted, RequestFailed, RequestCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on FAILED or CANCELLED requests.
const (
	ReasonAgentLost       = "agent-lost"
	ReasonAgentRetired    = "agent-retired"
	ReasonCancelled       = "cancelled"
	ReasonExecutionFailed = "execution-failed"
	ReasonShutdown        = "shutdown"
)

// Agent is a worker slot bound to one capability. Owned by the Pool.
type Agent struct {
	ID               string
	Capability       string
	Status           AgentStatus
	CurrentRequestID string
	LastActivity     time.Time
	CreatedAt        time.Time
	Performance      map[string]float64

	worker  Worker
	erredAt time.Time
}

func (a *Agent) snapshot() AgentSnapshot {
	var perf map[string]float64
	if len(a.Performance) > 0 {
		perf = make(map[string]float64, len(a.Performance))
		for k, v := range a.Performance {
			perf[k] = v
		}
	}
	return AgentSnapshot{
		ID:               a.ID,
		Capability:       a.Capability,
		Status:           a.Status,
		CurrentRequestID: a.CurrentRequestID,
		LastActivity:     a.LastActivity,
		CreatedAt:        a.CreatedAt,
		Performance:      perf,
	}
}

// Timing records the request's lifecycle timestamps.
type Timing struct {
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Request is a unit of test-execution work. Owned by the Queue.
type Request struct {
	ID                 string
	Name               string
	Capability         string
	Priority           Priority
	Status             RequestStatus
	QueuePosition      int
	AssignedAgentID    string
	Timing             Timing
	EstimatedStartTime time.Time
	Metadata           map[string]string
	Reason             string

	seq uint64
}

func (r *Request) clone() Request {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.Timing.StartedAt != nil {
		t := *r.Timing.StartedAt
		c.Timing.StartedAt = &t
	}
	if r.Timing.CompletedAt != nil {
		t := *r.Timing.CompletedAt
		c.Timing.CompletedAt = &t
	}
	return c
}

// Result is the terminal outcome reported for a request.
type Result struct {
	Status RequestStatus
	Reason string
	Output map[string]string
}

// ArchivedRequest is a terminal request moved into bounded history.
type ArchivedRequest struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capability    string            `json:"capability"`
	Priority      Priority          `json:"priority"`
	Status        RequestStatus     `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	Timing        Timing            `json:"timing"`
	WaitTime      time.Duration     `json:"wait_time"`
	ExecutionTime time.Duration     `json:"execution_time"`
	TotalTime     time.Duration     `json:"total_time"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Output        map[string]string `json:"output,omitempty"`
}

// AgentSnapshot is the read-only view of an agent.
type AgentSnapshot struct {
	ID               string             `json:"id"`
	Capability       string             `json:"capability"`
	Status           AgentStatus        `json:"status"`
	CurrentRequestID string             `json:"current_request_id,omitempty"`
	LastActivity     time.Time          `json:"last_activity"`
	CreatedAt        time.Time          `json:"created_at"`
	Performance      map[string]float64 `json:"performance,omitempty"`
}

// QueueEntry is the read-only view of a QUEUED request.
type QueueEntry struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Capability         string    `json:"capability"`
	Priority           Priority  `json:"priority"`
	Position           int       `json:"position"`
	QueuedAt           time.Time `json:"queued_at"`
	EstimatedStartTime time.Time `json:"estimated_start_time"`
}

// RequestView describes a request wherever it currently lives.
type RequestView struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Capability         string            `json:"capability"`
	Priority           Priority          `json:"priority"`
	Status             RequestStatus     `json:"status"`
	QueuePosition      int               `json:"queue_position,omitempty"`
	AssignedAgentID    string            `json:"assigned_agent_id,omitempty"`
	EstimatedStartTime *time.Time        `json:"estimated_start_time,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Timing             Timing            `json:"timing"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (r *Request) view() RequestView {
	c := r.clone()
	v := RequestView{
		ID:              c.ID,
		Name:            c.Name,
		Capability:      c.Capability,
		Priority:        c.Priority,
		Status:          c.Status,
		QueuePosition:   c.QueuePosition,
		AssignedAgentID: c.AssignedAgentID,
		Reason:          c.Reason,
		Timing:          c.Timing,
		Metadata:        c.Metadata,
	}
	if c.Status == RequestQueued {
		eta := c.EstimatedStartTime
		v.EstimatedStartTime = &eta
	}
	return v
}

func (a ArchivedRequest) view() RequestView {
	return RequestView{
		ID:              a.ID,
		Name:            a.Name,
		Capability:      a.Capability,
		Priority:        a.Priority,
		Status:          a.Status,
		AssignedAgentID: a.AgentID,
		Reason:          a.Reason,
		Timing:          a.Timing,
		Metadata:        a.Metadata,
	}
}

// SubmitRequest is the caller-supplied shape of a new request.
type SubmitRequest struct {
	Name       string
	Capability string
	Priority   Priority
	Metadata   map[string]string
}

// SubmitResult is returned from Submit.
type SubmitResult struct {
	ID                 string    `json:"id"`
	QueuePosition      int       `json:"queue_position"`
	EstimatedStartTime time.Time `json:"estimated_start_time"`
}

// CancelResult is returned from Cancel.
type CancelResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
