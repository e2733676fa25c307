// Package runstore persists the run ledger: one row per run attempt
// with its mode, outcome and timing. Event content is deliberately not
// persisted; the in-memory ring buffer is the only event store.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// Record is one row in the run ledger.
type Record struct {
	ID         string
	Mode       string
	Prompt     string
	Status     string
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMs int64
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// promptPreviewLimit bounds how much of the prompt is stored.
const promptPreviewLimit = 512

// Store handles run ledger persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store with a SQLite backend under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "runs.db")
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a new running row.
func (s *Store) RecordStart(id, mode, prompt string) error {
	if len(prompt) > promptPreviewLimit {
		prompt = prompt[:promptPreviewLimit]
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, prompt, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, mode, prompt, StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RecordFinish marks a run terminal with its outcome.
func (s *Store) RecordFinish(id, status string, exitCode int, runErr string, duration time.Duration) error {
	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, exit_code = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		status, exitCode, runErr, time.Now().UTC(), duration.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Get retrieves one run by id.
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	var finishedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT id, mode, prompt, status, exit_code, error, started_at, finished_at, duration_ms
		FROM runs WHERE id = ?`, id,
	).Scan(
		&rec.ID, &rec.Mode, &rec.Prompt, &rec.Status, &rec.ExitCode,
		&rec.Error, &rec.StartedAt, &finishedAt, &rec.DurationMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return &rec, nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, mode, prompt, status, exit_code, error, started_at, finished_at, duration_ms
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		var finishedAt sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.Mode, &rec.Prompt, &rec.Status, &rec.ExitCode,
			&rec.Error, &rec.StartedAt, &finishedAt, &rec.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MarkStale flips any row still marked running to failed. Called at
// startup to repair rows left behind by a crashed process.
func (s *Store) MarkStale() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = 'process exited before run finished'
		WHERE status = ?`, StatusFailed, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	return result.RowsAffected()
}
