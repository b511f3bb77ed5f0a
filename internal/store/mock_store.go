// ABOUTME: Mock HistoryStore implementation for testing
// ABOUTME: Allows tests and store-less deployments to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// MockStore is an in-memory HistoryStore implementation.
type MockStore struct {
	mu       sync.RWMutex
	archived map[string]scheduler.ArchivedRequest // keyed by request ID

	// SaveErr, when set, is returned by SaveArchived.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		archived: make(map[string]scheduler.ArchivedRequest),
	}
}

// SaveArchived stores a copy of rec.
func (m *MockStore) SaveArchived(ctx context.Context, rec scheduler.ArchivedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.archived[rec.ID] = rec
	return nil
}

// GetArchived retrieves an archived request by ID.
func (m *MockStore) GetArchived(ctx context.Context, id string) (scheduler.ArchivedRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.archived[id]
	if !ok {
		return scheduler.ArchivedRequest{}, ErrNotFound
	}
	return rec, nil
}

// ListArchived returns records newest first.
func (m *MockStore) ListArchived(ctx context.Context, limit int) ([]scheduler.ArchivedRequest, error) {
	all := m.sorted()
	if n := clampLimit(limit); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// RecentExecutionDurations returns COMPLETED execution times, oldest first.
func (m *MockStore) RecentExecutionDurations(ctx context.Context, limit int) ([]time.Duration, error) {
	n := clampLimit(limit)
	var newestFirst []time.Duration
	for _, rec := range m.sorted() {
		if rec.Status != scheduler.RequestCompleted {
			continue
		}
		newestFirst = append(newestFirst, rec.ExecutionTime)
		if len(newestFirst) == n {
			break
		}
	}
	out := make([]time.Duration, len(newestFirst))
	for i, d := range newestFirst {
		out[len(newestFirst)-1-i] = d
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Len returns the number of stored records.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.archived)
}

func (m *MockStore) sorted() []scheduler.ArchivedRequest {
	m.mu.RLock()
	out := make([]scheduler.ArchivedRequest, 0, len(m.archived))
	for _, rec := range m.archived {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := completedAt(out[i]), completedAt(out[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func completedAt(rec scheduler.ArchivedRequest) time.Time {
	if rec.Timing.CompletedAt == nil {
		return time.Time{}
	}
	return *rec.Timing.CompletedAt
}

// Ensure both implementations satisfy the interface.
var (
	_ HistoryStore = (*SQLiteStore)(nil)
	_ HistoryStore = (*MockStore)(nil)
)
