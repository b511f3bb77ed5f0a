// ABOUTME: HistoryStore interface for fleet-gateway persistence of archived requests
// ABOUTME: Also adapts any HistoryStore to the scheduler's HistoryRecorder

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Default and maximum page sizes for ListArchived
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HistoryStore persists terminal requests beyond the in-memory history window.
type HistoryStore interface {
	// SaveArchived inserts or replaces the record with rec.ID.
	SaveArchived(ctx context.Context, rec scheduler.ArchivedRequest) error

	// GetArchived returns ErrNotFound for unknown ids.
	GetArchived(ctx context.Context, id string) (scheduler.ArchivedRequest, error)

	// ListArchived returns records newest first. A non-positive limit means 100.
	ListArchived(ctx context.Context, limit int) ([]scheduler.ArchivedRequest, error)

	// RecentExecutionDurations returns execution times of the most recent
	// COMPLETED requests, oldest first.
	RecentExecutionDurations(ctx context.Context, limit int) ([]time.Duration, error)

	Close() error
}

// Recorder adapts h to scheduler.HistoryRecorder.
func Recorder(h HistoryStore) scheduler.HistoryRecorder {
	return recorder{h}
}

type recorder struct {
	store HistoryStore
}

func (r recorder) Record(ctx context.Context, rec scheduler.ArchivedRequest) error {
	return r.store.SaveArchived(ctx, rec)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
