// ABOUTME: Idempotent submission on top of the key cache: a repeated key returns
// ABOUTME: the original request's current position instead of queueing again.

package dedupe

import (
	"errors"
	"fmt"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// Target is the part of the scheduler a Submitter drives.
type Target interface {
	Submit(sub scheduler.SubmitRequest) (scheduler.SubmitResult, error)
	GetRequest(id string) (scheduler.RequestView, error)
	Cancel(id string) (scheduler.CancelResult, error)
}

// Submitter deduplicates submissions by idempotency key.
type Submitter struct {
	target Target
	cache  *Cache
}

// NewSubmitter wraps target with cache.
func NewSubmitter(target Target, cache *Cache) *Submitter {
	return &Submitter{target: target, cache: cache}
}

// Submit queues sub unless key was already used within the TTL, in which case
// duplicate is true and the result describes the original request. An empty
// key always submits.
func (s *Submitter) Submit(key string, sub scheduler.SubmitRequest) (res scheduler.SubmitResult, duplicate bool, err error) {
	if key == "" {
		res, err = s.target.Submit(sub)
		return res, false, err
	}

	if id, ok := s.cache.Lookup(key); ok {
		res, err := s.describe(id)
		if err == nil {
			return res, true, nil
		}
		if !errors.Is(err, scheduler.ErrRequestNotFound) {
			return scheduler.SubmitResult{}, false, err
		}
		// The original aged out of history; treat the key as fresh.
		s.cache.Forget(key)
	}

	res, err = s.target.Submit(sub)
	if err != nil {
		return res, false, err
	}
	winner, loaded := s.cache.LoadOrStore(key, res.ID)
	if !loaded {
		return res, false, nil
	}

	// A concurrent submission with the same key got there first.
	if _, err := s.target.Cancel(res.ID); err != nil && !errors.Is(err, scheduler.ErrAlreadyTerminal) {
		return scheduler.SubmitResult{}, false, fmt.Errorf("withdrawing duplicate %s: %w", res.ID, err)
	}
	res, err = s.describe(winner)
	return res, true, err
}

func (s *Submitter) describe(id string) (scheduler.SubmitResult, error) {
	view, err := s.target.GetRequest(id)
	if err != nil {
		return scheduler.SubmitResult{}, err
	}
	res := scheduler.SubmitResult{ID: view.ID, QueuePosition: view.QueuePosition}
	if view.EstimatedStartTime != nil {
		res.EstimatedStartTime = *view.EstimatedStartTime
	}
	return res, nil
}
