// Package store keeps a SQLite journal of worker state changes, request
// outcomes and launch attempts. The journal is advisory: nothing in the
// bridge reads it back to make decisions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgerbridge/internal/logging"

	_ "modernc.org/sqlite"
)

// WorkerState is the last known state of one worker.
type WorkerState struct {
	WorkerID  string
	State     string
	LastError string
	Pid       int
	UpdatedAt time.Time
}

// RequestStat is the outcome of one request sent to a worker.
type RequestStat struct {
	WorkerID  string
	Method    string
	Success   bool
	ErrorKind string
	Latency   time.Duration
	At        time.Time
}

// RequestSummary aggregates RequestStat rows for one worker.
type RequestSummary struct {
	WorkerID    string
	Requests    int64
	Successes   int64
	Failures    int64
	AvgLatency  time.Duration
	LastRequest time.Time
}

// SuccessRate is successes over requests, 0 when there are none.
func (s RequestSummary) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Requests)
}

// LaunchRecord is one launch attempt made by the supervisor.
type LaunchRecord struct {
	WorkerType string
	Attempt    int
	Pid        int
	Success    bool
	Error      string
	Duration   time.Duration
	At         time.Time
}

// Journal is the SQLite-backed journal. It is safe for concurrent use.
type Journal struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the journal at path. ":memory:" gives a
// private in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, dbPath: path}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info("journal opened at %s", path)
	return j, nil
}

func (j *Journal) initialize() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	}
	for _, stmt := range pragmas {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	workers := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_error TEXT DEFAULT '',
		pid INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	requests := `
	CREATE TABLE IF NOT EXISTS request_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		method TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_kind TEXT DEFAULT '',
		latency_us INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_stats_worker ON request_stats(worker_id);
	`

	launches := `
	CREATE TABLE IF NOT EXISTS launches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		pid INTEGER DEFAULT 0,
		success INTEGER NOT NULL,
		error TEXT DEFAULT '',
		duration_us INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_launches_type ON launches(worker_type);
	`

	for _, table := range []string{workers, requests, launches} {
		if _, err := j.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Path returns the database path.
func (j *Journal) Path() string { return j.dbPath }

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// SaveWorkerState upserts the state row for ws.WorkerID.
func (j *Journal) SaveWorkerState(ctx context.Context, ws WorkerState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ws.UpdatedAt.IsZero() {
		ws.UpdatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, state, last_error, pid, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			state = excluded.state,
			last_error = excluded.last_error,
			pid = excluded.pid,
			updated_at = excluded.updated_at
	`, ws.WorkerID, ws.State, ws.LastError, ws.Pid, ws.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save state of %s: %w", ws.WorkerID, err)
	}
	return nil
}

// GetWorkerState returns the stored state for id, or nil if there is none.
func (j *Journal) GetWorkerState(ctx context.Context, id string) (*WorkerState, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var ws WorkerState
	var updated int64
	err := j.db.QueryRowContext(ctx, `
		SELECT worker_id, state, last_error, pid, updated_at FROM workers WHERE worker_id = ?
	`, id).Scan(&ws.WorkerID, &ws.State, &ws.LastError, &ws.Pid, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ws.UpdatedAt = time.UnixMilli(updated)
	return &ws, nil
}

// ListWorkerStates returns every stored worker state ordered by ID.
func (j *Journal) ListWorkerStates(ctx context.Context) ([]WorkerState, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT worker_id, state, last_error, pid, updated_at FROM workers ORDER BY worker_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerState
	for rows.Next() {
		var ws WorkerState
		var updated int64
		if err := rows.Scan(&ws.WorkerID, &ws.State, &ws.LastError, &ws.Pid, &updated); err != nil {
			return nil, err
		}
		ws.UpdatedAt = time.UnixMilli(updated)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// RecordRequest appends one request outcome.
func (j *Journal) RecordRequest(ctx context.Context, rs RequestStat) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rs.At.IsZero() {
		rs.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO request_stats (worker_id, method, success, error_kind, latency_us, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rs.WorkerID, rs.Method, boolInt(rs.Success), rs.ErrorKind, rs.Latency.Microseconds(), rs.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record request to %s: %w", rs.WorkerID, err)
	}
	return nil
}

// RequestSummary aggregates the recorded requests of workerID.
func (j *Journal) RequestSummary(ctx context.Context, workerID string) (RequestSummary, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	sum := RequestSummary{WorkerID: workerID}
	var successes, avgLatency sql.NullFloat64
	var last sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(success), AVG(latency_us), MAX(at)
		FROM request_stats WHERE worker_id = ?
	`, workerID).Scan(&sum.Requests, &successes, &avgLatency, &last)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize %s: %w", workerID, err)
	}
	if successes.Valid {
		sum.Successes = int64(successes.Float64)
	}
	sum.Failures = sum.Requests - sum.Successes
	if avgLatency.Valid {
		sum.AvgLatency = time.Duration(avgLatency.Float64) * time.Microsecond
	}
	if last.Valid {
		sum.LastRequest = time.UnixMilli(last.Int64)
	}
	return sum, nil
}

// RecordLaunch appends one launch attempt.
func (j *Journal) RecordLaunch(ctx context.Context, lr LaunchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lr.At.IsZero() {
		lr.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO launches (worker_type, attempt, pid, success, error, duration_us, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, lr.WorkerType, lr.Attempt, lr.Pid, boolInt(lr.Success), lr.Error, lr.Duration.Microseconds(), lr.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record launch of %s: %w", lr.WorkerType, err)
	}
	return nil
}

// RecentLaunches returns up to limit launch attempts, newest first. An empty
// workerType matches every type.
func (j *Journal) RecentLaunches(ctx context.Context, workerType string, limit int) ([]LaunchRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT worker_type, attempt, pid, success, error, duration_us, at
		FROM launches
		WHERE ? = '' OR worker_type = ?
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, workerType, workerType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LaunchRecord
	for rows.Next() {
		var lr LaunchRecord
		var success int
		var durUS, at int64
		if err := rows.Scan(&lr.WorkerType, &lr.Attempt, &lr.Pid, &success, &lr.Error, &durUS, &at); err != nil {
			return nil, err
		}
		lr.Success = success != 0
		lr.Duration = time.Duration(durUS) * time.Microsecond
		lr.At = time.UnixMilli(at)
		out = append(out, lr)
	}
	return out, rows.Err()
}

// Prune deletes request and launch rows older than before and returns how
// many rows went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var total int64
	for _, table := range []string{"request_stats", "launches"} {
		res, err := j.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE at < ?", before.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		logging.Get(logging.CategoryStore).Info("pruned %d journal rows older than %s", total, before.Format(time.RFC3339))
	}
	return total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
