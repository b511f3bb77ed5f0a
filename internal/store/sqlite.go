// ABOUTME: SQLite implementation of HistoryStore using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Persists archived requests with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

// timeLayout is fixed-width in UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements HistoryStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path with the given driver name:
// "sqlite" (pure Go, modernc.org/sqlite) or "sqlite3" (cgo, mattn/go-sqlite3).
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS archived_requests (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			capability TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			agent_id TEXT,
			queued_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT NOT NULL,
			wait_ms INTEGER NOT NULL,
			execution_ms INTEGER NOT NULL,
			total_ms INTEGER NOT NULL,
			metadata TEXT,
			output TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archived_completed ON archived_requests(completed_at);
		CREATE INDEX IF NOT EXISTS idx_archived_status_completed ON archived_requests(status, completed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveArchived inserts or replaces an archived request.
func (s *SQLiteStore) SaveArchived(ctx context.Context, rec scheduler.ArchivedRequest) error {
	if rec.Timing.CompletedAt == nil {
		return fmt.Errorf("archived request %s has no completion time", rec.ID)
	}
	metadata, err := marshalMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	output, err := marshalMap(rec.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	var startedAt any
	if rec.Timing.StartedAt != nil {
		startedAt = formatTime(*rec.Timing.StartedAt)
	}

	query := `
		INSERT OR REPLACE INTO archived_requests (
			id, name, capability, priority, status, reason, agent_id,
			queued_at, started_at, completed_at,
			wait_ms, execution_ms, total_ms, metadata, output
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Capability,
		string(rec.Priority),
		string(rec.Status),
		nullString(rec.Reason),
		nullString(rec.AgentID),
		formatTime(rec.Timing.QueuedAt),
		startedAt,
		formatTime(*rec.Timing.CompletedAt),
		rec.WaitTime.Milliseconds(),
		rec.ExecutionTime.Milliseconds(),
		rec.TotalTime.Milliseconds(),
		metadata,
		output,
	)
	if err != nil {
		return fmt.Errorf("inserting archived request: %w", err)
	}

	s.logger.Debug("saved archived request", "id", rec.ID, "status", rec.Status)
	return nil
}

const selectArchived = `
	SELECT id, name, capability, priority, status, reason, agent_id,
		queued_at, started_at, completed_at,
		wait_ms, execution_ms, total_ms, metadata, output
	FROM archived_requests
`

// GetArchived retrieves an archived request by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetArchived(ctx context.Context, id string) (scheduler.ArchivedRequest, error) {
	row := s.db.QueryRowContext(ctx, selectArchived+" WHERE id = ?", id)
	rec, err := scanArchived(row)
	if err == sql.ErrNoRows {
		return scheduler.ArchivedRequest{}, ErrNotFound
	}
	if err != nil {
		return scheduler.ArchivedRequest{}, fmt.Errorf("querying archived request: %w", err)
	}
	return rec, nil
}

// ListArchived retrieves archived requests, most recently completed first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListArchived(ctx context.Context, limit int) ([]scheduler.ArchivedRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectArchived+" ORDER BY completed_at DESC, id DESC LIMIT ?", clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying archived requests: %w", err)
	}
	defer rows.Close()

	var out []scheduler.ArchivedRequest
	for rows.Next() {
		rec, err := scanArchived(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning archived row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archived rows: %w", err)
	}
	return out, nil
}

// RecentExecutionDurations returns up to limit execution times of COMPLETED
// requests, oldest first.
func (s *SQLiteStore) RecentExecutionDurations(ctx context.Context, limit int) ([]time.Duration, error) {
	query := `
		SELECT execution_ms FROM archived_requests
		WHERE status = ?
		ORDER BY completed_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, string(scheduler.RequestCompleted), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying execution durations: %w", err)
	}
	defer rows.Close()

	var newestFirst []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scanning execution duration: %w", err)
		}
		newestFirst = append(newestFirst, time.Duration(ms)*time.Millisecond)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution durations: %w", err)
	}

	out := make([]time.Duration, len(newestFirst))
	for i, d := range newestFirst {
		out[len(newestFirst)-1-i] = d
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchived(row rowScanner) (scheduler.ArchivedRequest, error) {
	var (
		rec                          scheduler.ArchivedRequest
		priority, status             string
		reason, agentID, startedAt   sql.NullString
		metadata, output             sql.NullString
		queuedAt, completedAt        string
		waitMs, executionMs, totalMs int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Capability, &priority, &status, &reason, &agentID,
		&queuedAt, &startedAt, &completedAt,
		&waitMs, &executionMs, &totalMs, &metadata, &output,
	); err != nil {
		return rec, err
	}

	rec.Priority = scheduler.Priority(priority)
	rec.Status = scheduler.RequestStatus(status)
	rec.Reason = reason.String
	rec.AgentID = agentID.String
	rec.WaitTime = time.Duration(waitMs) * time.Millisecond
	rec.ExecutionTime = time.Duration(executionMs) * time.Millisecond
	rec.TotalTime = time.Duration(totalMs) * time.Millisecond

	var err error
	if rec.Timing.QueuedAt, err = time.Parse(timeLayout, queuedAt); err != nil {
		return rec, fmt.Errorf("parsing queued_at: %w", err)
	}
	completed, err := time.Parse(timeLayout, completedAt)
	if err != nil {
		return rec, fmt.Errorf("parsing completed_at: %w", err)
	}
	rec.Timing.CompletedAt = &completed
	if startedAt.Valid {
		started, err := time.Parse(timeLayout, startedAt.String)
		if err != nil {
			return rec, fmt.Errorf("parsing started_at: %w", err)
		}
		rec.Timing.StartedAt = &started
	}
	if rec.Metadata, err = unmarshalMap(metadata); err != nil {
		return rec, fmt.Errorf("decoding metadata: %w", err)
	}
	if rec.Output, err = unmarshalMap(output); err != nil {
		return rec, fmt.Errorf("decoding output: %w", err)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
