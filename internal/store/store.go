// Package store provides SQLite-backed persistence for swarmq.
//
// Several worker processes share one database file. Every mutation is a
// single statement or one immediate transaction, so a crash never leaves a
// partially written record behind.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrIllegalTransition is returned for a status change outside the lifecycle graph.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrDuplicateTask is returned when enqueueing an id that already exists.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrInvalidTask is returned when a task fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

const busyRetries = 5

// Store provides access to the swarmq SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets readers proceed while another process writes; immediate
	// transactions take the write lock up front so upgrades never deadlock.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		instruction TEXT NOT NULL,
		mode TEXT NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		budget_min REAL NOT NULL DEFAULT 0,
		budget_max REAL NOT NULL DEFAULT 0,
		parallel_safe INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		model_hint TEXT NOT NULL DEFAULT '',
		decomposition TEXT,
		decomposed INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT NOT NULL DEFAULT '',
		identity_id TEXT NOT NULL DEFAULT '',
		feedback TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		spent REAL NOT NULL DEFAULT 0,
		last_cost REAL NOT NULL DEFAULT 0,
		claimed_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		task_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		meta TEXT,
		inputs_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		backend TEXT NOT NULL,
		route TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		cost REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger (
		task_id TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		amount REAL NOT NULL,
		granted_at INTEGER NOT NULL,
		credited INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, identity_id)
	);

	CREATE TABLE IF NOT EXISTS balances (
		identity_id TEXT PRIMARY KEY,
		balance REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// retryOnBusy retries f while another process holds the write lock beyond
// the driver's busy timeout. Backoff is exponential with jitter.
func retryOnBusy(ctx context.Context, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == busyRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs f inside one immediate transaction, retrying on contention.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
