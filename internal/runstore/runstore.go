// Package runstore implements durable storage of DAG specifications, runs,
// and per-task outputs, with write-ahead-log crash recovery on startup,
// per spec.md §4.2.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshtask/meshd/internal/errs"
	"github.com/meshtask/meshd/internal/taskspec"
)

// RunStatus is a DagRun's overall lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// OutputCeiling bounds a TaskOutput's stored byte length; outputs beyond it
// are truncated with Truncated set, per spec.md §4.2.
const OutputCeiling = 1 << 20 // 1 MiB

// DagRun is one execution instance of a DagSpec, per spec.md §3.
type DagRun struct {
	RunID     string
	DagID     string
	Status    RunStatus
	NodeState json.RawMessage // serialized per-node status map
	Debts     json.RawMessage // serialized debt ledger
	Todo      json.RawMessage // TODO snapshot used for diffing
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskOutput is keyed by (run_id, task_id), per spec.md §3.
type TaskOutput struct {
	RunID      string
	TaskID     string
	Output     []byte
	Truncated  bool
	ExitCode   *int
	Format     string
	CreatedAt  time.Time
}

// Store is the sqlite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the run store at path, running startup
// WAL recovery: if the sidecar is non-empty, a checkpoint truncates it; a
// checkpoint failure fails the open itself, per spec.md §4.2.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open run store: %s", errs.ErrStorage, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Checkpoint(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: WAL recovery checkpoint failed: %s", errs.ErrStorage, err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS dag_specs (
	dag_id TEXT PRIMARY KEY,
	scope_kind TEXT NOT NULL,
	scope_id TEXT,
	content_hash TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	serialized_spec TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dag_runs (
	run_id TEXT PRIMARY KEY,
	dag_id TEXT NOT NULL,
	status TEXT NOT NULL,
	serialized_run TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	serialized TEXT NOT NULL,
	PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS task_outputs (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	output BLOB NOT NULL,
	truncated INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	format TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, task_id)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to migrate run store schema: %s", errs.ErrStorage, err)
	}
	return nil
}

// Checkpoint forces a WAL checkpoint in TRUNCATE mode (never PASSIVE). Called
// on open and exposed for a periodic task and a shutdown signal handler, per
// spec.md §4.2's startup-recovery and shutdown-safety contracts.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDagSpec upserts a DagSpec.
func (s *Store) SaveDagSpec(ctx context.Context, spec taskspec.DagSpec, priority int) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("%w: failed to encode DAG spec: %s", errs.ErrInvalidInput, err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dag_specs (dag_id, scope_kind, scope_id, content_hash, priority, serialized_spec, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dag_id) DO UPDATE SET
	scope_kind=excluded.scope_kind, scope_id=excluded.scope_id, content_hash=excluded.content_hash,
	priority=excluded.priority, serialized_spec=excluded.serialized_spec, version=excluded.version,
	updated_at=excluded.updated_at`,
		spec.DagID, string(spec.Scope.Kind), spec.Scope.ID, spec.ContentHash, priority, string(body), spec.Version, now, now)
	if err != nil {
		return fmt.Errorf("%w: failed to save DAG spec %s: %s", errs.ErrStorage, spec.DagID, err)
	}
	return nil
}

// GetDagSpec fetches a DagSpec by id.
func (s *Store) GetDagSpec(ctx context.Context, dagID string) (taskspec.DagSpec, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT serialized_spec FROM dag_specs WHERE dag_id = ?`, dagID).Scan(&body)
	if err == sql.ErrNoRows {
		return taskspec.DagSpec{}, fmt.Errorf("%w: DAG %s", errs.ErrNotFound, dagID)
	}
	if err != nil {
		return taskspec.DagSpec{}, fmt.Errorf("%w: failed to load DAG spec %s: %s", errs.ErrStorage, dagID, err)
	}
	var spec taskspec.DagSpec
	if err := json.Unmarshal([]byte(body), &spec); err != nil {
		return taskspec.DagSpec{}, fmt.Errorf("%w: failed to decode DAG spec %s: %s", errs.ErrStorage, dagID, err)
	}
	return spec, nil
}

// SaveRunAndTasks persists a DagRun and its per-task status rows in a
// single transaction, per spec.md §4.2 ("save-run-and-tasks is one
// transaction").
func (s *Store) SaveRunAndTasks(ctx context.Context, run DagRun, taskStatuses map[string]string, serializedTasks map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin run transaction: %s", errs.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	serializedRun, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("%w: failed to encode run %s: %s", errs.ErrInvalidInput, run.RunID, err)
	}
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
INSERT INTO dag_runs (run_id, dag_id, status, serialized_run, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, serialized_run=excluded.serialized_run, updated_at=excluded.updated_at`,
		run.RunID, run.DagID, string(run.Status), string(serializedRun), now, now)
	if err != nil {
		return fmt.Errorf("%w: failed to save run %s: %s", errs.ErrStorage, run.RunID, err)
	}

	for taskID, status := range taskStatuses {
		_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (task_id, run_id, status, serialized)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id, task_id) DO UPDATE SET status=excluded.status, serialized=excluded.serialized`,
			taskID, run.RunID, status, string(serializedTasks[taskID]))
		if err != nil {
			return fmt.Errorf("%w: failed to save task %s/%s: %s", errs.ErrStorage, run.RunID, taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit run transaction: %s", errs.ErrStorage, err)
	}
	return nil
}

// GetRun fetches a DagRun by id.
func (s *Store) GetRun(ctx context.Context, runID string) (DagRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT serialized_run FROM dag_runs WHERE run_id = ?`, runID).Scan(&body)
	if err == sql.ErrNoRows {
		return DagRun{}, fmt.Errorf("%w: run %s", errs.ErrNotFound, runID)
	}
	if err != nil {
		return DagRun{}, fmt.Errorf("%w: failed to load run %s: %s", errs.ErrStorage, runID, err)
	}
	var run DagRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return DagRun{}, fmt.Errorf("%w: failed to decode run %s: %s", errs.ErrStorage, runID, err)
	}
	return run, nil
}

// TaskStatuses returns every task's persisted status for a run, used on
// crash recovery to reconstruct in-memory graph state.
func (s *Store) TaskStatuses(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, status FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load task statuses for %s: %s", errs.ErrStorage, runID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("%w: failed to scan task status: %s", errs.ErrStorage, err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

// SaveTaskOutput persists an output, truncating at OutputCeiling with
// Truncated set when it exceeds the bound, per spec.md §4.2.
func (s *Store) SaveTaskOutput(ctx context.Context, out TaskOutput) error {
	truncated := out.Truncated
	body := out.Output
	if len(body) > OutputCeiling {
		body = body[:OutputCeiling]
		truncated = true
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_outputs (run_id, task_id, output, truncated, exit_code, format, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, task_id) DO UPDATE SET output=excluded.output, truncated=excluded.truncated,
	exit_code=excluded.exit_code, format=excluded.format, created_at=excluded.created_at`,
		out.RunID, out.TaskID, body, boolToInt(truncated), nullableInt(out.ExitCode), out.Format, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: failed to save output %s/%s: %s", errs.ErrStorage, out.RunID, out.TaskID, err)
	}
	return nil
}

// GetTaskOutput fetches one TaskOutput.
func (s *Store) GetTaskOutput(ctx context.Context, runID, taskID string) (TaskOutput, error) {
	var out TaskOutput
	var truncated int
	var exitCode sql.NullInt64
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, task_id, output, truncated, exit_code, format, created_at
FROM task_outputs WHERE run_id = ? AND task_id = ?`, runID, taskID).
		Scan(&out.RunID, &out.TaskID, &out.Output, &truncated, &exitCode, &out.Format, &createdAt)
	if err == sql.ErrNoRows {
		return TaskOutput{}, fmt.Errorf("%w: output %s/%s", errs.ErrNotFound, runID, taskID)
	}
	if err != nil {
		return TaskOutput{}, fmt.Errorf("%w: failed to load output %s/%s: %s", errs.ErrStorage, runID, taskID, err)
	}
	out.Truncated = truncated != 0
	out.CreatedAt = time.Unix(createdAt, 0)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		out.ExitCode = &v
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
