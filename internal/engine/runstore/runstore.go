// Package runstore persists stateful execution runs and their checkpoints in
// SQLite, so a suspended run can be resumed by id even after a daemon
// restart. Ephemeral runs never touch this store.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses. A run is terminal when completed or failed; a failed run is
// still resumable until purged (elicitation timeouts keep their checkpoints).
const (
	StatusRunning      = "running"
	StatusWaitingInput = "waiting_input"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Run is one invocation of a suspending method.
type Run struct {
	ID           string
	ModuleID     string
	Method       string
	InstanceName string
	Params       map[string]any
	Status       string
	Error        string
	Result       any
	SessionID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Checkpoint records one completed ask boundary: the step index within the
// run and the answer that resolved it. Replay feeds these back in order.
type Checkpoint struct {
	RunID     string
	Step      int
	Kind      string
	Value     any
	CreatedAt time.Time
}

// Store is the SQLite-backed run store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the run database at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening run database: %w", err)
	}
	// modernc sqlite is serialized through a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL,
			method TEXT NOT NULL,
			instance_name TEXT NOT NULL,
			params_json TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT 'null',
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step INTEGER NOT NULL,
			kind TEXT NOT NULL,
			value_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating run store: %w", err)
		}
	}
	return nil
}

// Create persists a new run in status running.
func (s *Store) Create(run *Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshaling run params: %w", err)
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusRunning
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, module_id, method, instance_name, params_json, status, session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModuleID, run.Method, run.InstanceName, string(params),
		run.Status, run.SessionID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run by id.
func (s *Store) Get(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, module_id, method, instance_name, params_json, status, error, result_json, session_id, created_at, updated_at
		 FROM runs WHERE id = ?`, id)

	var run Run
	var params, result, created, updated string
	err := row.Scan(&run.ID, &run.ModuleID, &run.Method, &run.InstanceName,
		&params, &run.Status, &run.Error, &result, &run.SessionID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("parsing params for run %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(result), &run.Result); err != nil {
		return nil, fmt.Errorf("parsing result for run %s: %w", id, err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &run, nil
}

// SetStatus updates a run's status.
func (s *Store) SetStatus(id, status string) error {
	return s.update(id, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), id)
}

// Complete marks a run completed with its result.
func (s *Store) Complete(id string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling run result: %w", err)
	}
	return s.update(id,
		`UPDATE runs SET status = ?, result_json = ?, error = '', updated_at = ? WHERE id = ?`,
		StatusCompleted, string(data), now(), id)
}

// Fail marks a run failed with an error message. Checkpoints are retained so
// the run stays resumable until a cleanup sweep discards it.
func (s *Store) Fail(id, message string) error {
	return s.update(id,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, message, now(), id)
}

// AppendCheckpoint durably records a completed ask boundary. It must be
// written before the resolved value is handed back to module code.
func (s *Store) AppendCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp.Value)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint value: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (run_id, step, kind, value_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Step, cp.Kind, string(data), now(),
	)
	if err != nil {
		return fmt.Errorf("inserting checkpoint %d for run %s: %w", cp.Step, cp.RunID, err)
	}
	return nil
}

// Checkpoints returns a run's checkpoints ordered by step.
func (s *Store) Checkpoints(runID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT run_id, step, kind, value_json, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var value, created string
		if err := rows.Scan(&cp.RunID, &cp.Step, &cp.Kind, &value, &created); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &cp.Value); err != nil {
			return nil, fmt.Errorf("parsing checkpoint value: %w", err)
		}
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ListActive returns runs that are neither completed nor failed, oldest
// first. Used on startup to report resumable work.
func (s *Store) ListActive() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, module_id, method, instance_name, params_json, status, error, result_json, session_id, created_at, updated_at
		 FROM runs WHERE status IN (?, ?) ORDER BY created_at`,
		StatusRunning, StatusWaitingInput)
	if err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var params, result, created, updated string
		if err := rows.Scan(&run.ID, &run.ModuleID, &run.Method, &run.InstanceName,
			&params, &run.Status, &run.Error, &result, &run.SessionID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
			continue // unreadable row, skip
		}
		_ = json.Unmarshal([]byte(result), &run.Result)
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, run)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes completed and failed runs (and their checkpoints)
// last updated before the cutoff. Returns the number of runs removed.
func (s *Store) PurgeTerminal(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`DELETE FROM runs WHERE status IN (?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging terminal runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		// Cascade does not fire without foreign_keys; clean up explicitly.
		_, _ = s.db.Exec(`DELETE FROM checkpoints WHERE run_id NOT IN (SELECT id FROM runs)`)
	}
	return int(n), nil
}

func (s *Store) update(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
