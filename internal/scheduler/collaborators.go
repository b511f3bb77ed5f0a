// ABOUTME: Interfaces the scheduler consumes: worker runtime, executor, events, history.
// ABOUTME: Implementations live in the worker, telemetry, and store packages.

package scheduler

import (
	"context"
	"time"
)

// Worker is the runtime-side handle of a launched agent.
type Worker interface {
	ID() string
}

// Launcher starts and stops the worker processes backing agents.
// Launch and Terminate may block on I/O and are never called under the scheduler lock.
type Launcher interface {
	Launch(ctx context.Context, capability string) (Worker, error)
	Terminate(ctx context.Context, w Worker) error
	// Alive is the liveness poll used by the heartbeat sweep.
	Alive(w Worker) bool
}

// Assignment is a matched (agent, request) pair handed to the Executor.
type Assignment struct {
	AgentID string
	Worker  Worker
	Request Request
}

// Executor runs the test steps for an assignment out of band.
// It must return promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, a Assignment) Result
}

// EventType names a lifecycle event.
type EventType string

const (
	EventRequestQueued     EventType = "request.queued"
	EventRequestAssigned   EventType = "request.assigned"
	EventRequestProcessing EventType = "request.processing"
	EventRequestCompleted  EventType = "request.completed"
	EventRequestFailed     EventType = "request.failed"
	EventRequestCancelled  EventType = "request.cancelled"
	EventAgentStarting     EventType = "agent.starting"
	EventAgentAvailable    EventType = "agent.available"
	EventAgentError        EventType = "agent.error"
	EventAgentMaintenance  EventType = "agent.maintenance"
	EventAgentRetired      EventType = "agent.retired"
)

// Event is a lifecycle notification for telemetry consumers.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(evt Event)
}

// HistoryRecorder persists archived requests.
type HistoryRecorder interface {
	Record(ctx context.Context, rec ArchivedRequest) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func requestEventType(status RequestStatus) EventType {
	switch status {
	case RequestQueued:
		return EventRequestQueued
	case RequestAssigned:
		return EventRequestAssigned
	case RequestProcessing:
		return EventRequestProcessing
	case RequestCompleted:
		return EventRequestCompleted
	case RequestFailed:
		return EventRequestFailed
	default:
		return EventRequestCancelled
	}
}
