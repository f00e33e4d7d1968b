// Package checkpoint persists run history, per-step outcomes, and serialized
// context snapshots in SQLite so interrupted runs can be inspected and resumed
// without re-executing completed steps.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tabflow/tabflow/internal/pipeline"
)

// ErrNoCheckpoint indicates no snapshot exists for the requested run/step.
var ErrNoCheckpoint = errors.New("no checkpoint found")

const timeLayout = "2006-01-02 15:04:05"

// Store wraps the SQLite database holding run state.
type Store struct {
	db *sql.DB
}

// Run is one recorded pipeline execution.
type Run struct {
	ID          string
	Pipeline    string
	Entity      string
	Period      string
	RunKind     string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Resumed     int
	Config      string
}

// StepRecord is the persisted outcome of a single step within a run.
type StepRecord struct {
	RunID      string
	StepName   string
	Status     string
	Message    string
	Error      string
	Attempts   int
	Duration   time.Duration
	FinishedAt time.Time
}

// Stats summarizes step outcomes for one run.
type Stats struct {
	Total   int
	Success int
	Failed  int
	Skipped int
}

// New opens (creating if needed) the checkpoint database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tabflow.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		entity TEXT,
		period TEXT,
		run_kind TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL DEFAULT (datetime('now')),
		completed_at TEXT,
		resumed INTEGER NOT NULL DEFAULT 0,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS step_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at TEXT NOT NULL DEFAULT (datetime('now')),
		UNIQUE(run_id, step_name)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_name TEXT NOT NULL,
		context TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		UNIQUE(run_id, step_name)
	);

	CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a new run identified by meta.RunID. The
// config value is stored as JSON alongside the run for later inspection.
func (s *Store) CreateRun(meta pipeline.Meta, config any) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("serializing run config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, pipeline, entity, period, run_kind, status, started_at, config)
		VALUES (?, ?, ?, ?, ?, 'running', datetime('now'), ?)
	`, meta.RunID, meta.Pipeline, meta.Entity, meta.Period, meta.RunKind, string(configJSON))
	return err
}

// CompleteRun marks a run as finished with the given terminal status.
func (s *Store) CompleteRun(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = datetime('now')
		WHERE id = ?
	`, status, id)
	return err
}

// GetLastIncompleteRun returns the most recent run still marked running,
// or nil when every recorded run has completed.
func (s *Store) GetLastIncompleteRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline, entity, period, run_kind, status, started_at, completed_at, resumed, config
		FROM runs
		WHERE status = 'running'
		ORDER BY started_at DESC
		LIMIT 1
	`)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// MarkRunAsResumed reopens a run so a resumed execution can continue it.
func (s *Store) MarkRunAsResumed(id string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = 'running', completed_at = NULL, resumed = resumed + 1
		WHERE id = ?
	`, id)
	return err
}

// RunByID returns the run with the given ID, or nil when unknown.
func (s *Store) RunByID(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline, entity, period, run_kind, status, started_at, completed_at, resumed, config
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// AllRuns returns recent runs, newest first.
func (s *Store) AllRuns() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, pipeline, entity, period, run_kind, status, started_at, completed_at, resumed, config
		FROM runs
		ORDER BY started_at DESC
		LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// SaveStepResult records (or overwrites, on a resumed run) the outcome of a
// step. Step results are keyed by run and step name so re-executed steps keep
// a single row.
func (s *Store) SaveStepResult(runID string, res pipeline.StepResult) error {
	_, err := s.db.Exec(`
		INSERT INTO step_results (run_id, step_name, status, message, error_message, attempts, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(run_id, step_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			error_message = excluded.error_message,
			attempts = excluded.attempts,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at
	`, runID, res.StepName, string(res.Status), res.Message, errText(res.Err), res.Attempts, res.Duration.Milliseconds())
	return err
}

// StepResults returns the recorded step outcomes for a run in execution order.
func (s *Store) StepResults(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step_name, status, message, error_message, attempts, duration_ms, finished_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var rec StepRecord
		var message, errMsg sql.NullString
		var durationMS int64
		var finishedAt string
		if err := rows.Scan(&rec.RunID, &rec.StepName, &rec.Status, &message, &errMsg, &rec.Attempts, &durationMS, &finishedAt); err != nil {
			return nil, err
		}
		rec.Message = message.String
		rec.Error = errMsg.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveCheckpoint stores a snapshot of the context as it stood after stepName
// completed. Re-saving the same step replaces the previous snapshot and the
// replacement becomes the newest checkpoint for the run.
func (s *Store) SaveCheckpoint(runID, stepName string, pc *pipeline.Context) error {
	blob, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("serializing context: %w", err)
	}

	// INSERT OR REPLACE assigns a fresh id, so ORDER BY id in
	// LatestCheckpoint always finds the most recently saved snapshot.
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO checkpoints (run_id, step_name, context, created_at)
		VALUES (?, ?, ?, datetime('now'))
	`, runID, stepName, string(blob))
	return err
}

// GetCheckpoint restores the context snapshot taken after the named step.
func (s *Store) GetCheckpoint(runID, stepName string) (*pipeline.Context, error) {
	var blob string
	err := s.db.QueryRow(`
		SELECT context FROM checkpoints
		WHERE run_id = ? AND step_name = ?
	`, runID, stepName).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, err
	}
	return decodeContext(blob)
}

// LatestCheckpoint restores the most recently saved snapshot for a run and
// reports which step it was taken after.
func (s *Store) LatestCheckpoint(runID string) (string, *pipeline.Context, error) {
	var stepName, blob string
	err := s.db.QueryRow(`
		SELECT step_name, context FROM checkpoints
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, runID).Scan(&stepName, &blob)
	if err == sql.ErrNoRows {
		return "", nil, ErrNoCheckpoint
	}
	if err != nil {
		return "", nil, err
	}

	pc, err := decodeContext(blob)
	if err != nil {
		return "", nil, err
	}
	return stepName, pc, nil
}

// PruneCheckpoints removes all snapshots for a run. Called after a run
// completes successfully; step results and run history are kept.
func (s *Store) PruneCheckpoints(runID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}

// RunStats counts step outcomes for a run.
func (s *Store) RunStats(runID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0)
		FROM step_results
		WHERE run_id = ?
	`, runID).Scan(&st.Total, &st.Success, &st.Failed, &st.Skipped)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var entity, period, runKind, completedAt, config sql.NullString
	var startedAt string
	if err := row.Scan(&r.ID, &r.Pipeline, &entity, &period, &runKind, &r.Status, &startedAt, &completedAt, &r.Resumed, &config); err != nil {
		return nil, err
	}

	r.Entity = entity.String
	r.Period = period.String
	r.RunKind = runKind.String
	r.Config = config.String
	r.StartedAt, _ = time.Parse(timeLayout, startedAt)
	if completedAt.Valid {
		if t, err := time.Parse(timeLayout, completedAt.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

func decodeContext(blob string) (*pipeline.Context, error) {
	var pc pipeline.Context
	if err := json.Unmarshal([]byte(blob), &pc); err != nil {
		return nil, fmt.Errorf("restoring context: %w", err)
	}
	return &pc, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
