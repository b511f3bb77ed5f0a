// ABOUTME: Sentinel errors returned by the scheduler components.
// ABOUTME: Callers match them with errors.Is; wrapped errors carry the detail.

package scheduler

import "errors"

var (
	// ErrAgentNotFound indicates the agent id is not in the pool.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrRequestNotFound indicates the request id is neither live nor archived.
	ErrRequestNotFound = errors.New("request not found")

	// ErrIllegalTransition indicates a request status change outside the state machine.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrAlreadyTerminal indicates the request already reached a terminal status.
	ErrAlreadyTerminal = errors.New("request already terminal")

	// ErrInvalidRequest indicates a submission that failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPoolAtCapacity indicates the pool already holds max agents.
	ErrPoolAtCapacity = errors.New("pool at capacity")

	// ErrAgentState indicates the agent is in the wrong state for the operation.
	ErrAgentState = errors.New("agent in wrong state")

	// ErrShuttingDown indicates the scheduler has stopped accepting work.
	ErrShuttingDown = errors.New("scheduler shutting down")
)
