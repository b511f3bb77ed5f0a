// Package store persists archived fleet-gateway requests.
//
// # Architecture
//
// HistoryStore is the single interface. The scheduler keeps a bounded
// in-memory history; every request it archives is also handed to a
// HistoryStore in the background (see Recorder), so history survives the
// in-memory window and gateway restarts. On startup the gateway reads
// RecentExecutionDurations to seed the queue's ETA estimate.
//
// Live queue and pool state are never persisted.
//
// # SQLite Configuration
//
// NewSQLiteStore accepts a driver name:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// The database runs in WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Timestamps are stored as fixed-width UTC text so they sort lexically.
//
// # Error Handling
//
//   - ErrNotFound: Requested record does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, or NewSQLiteStore("sqlite", path)
// with a t.TempDir() path for integration tests with real SQLite.
package store
