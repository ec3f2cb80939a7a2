package runledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"diffract/internal/services"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one ledger entry: a processing run and its outcome counts.
// Series is the range-independent identity component shared by runs over
// different frame windows of the same dataset.
type Run struct {
	ID              string
	Sample          string
	Stage           string
	Identity        string
	Series          string
	DatasetDir      string
	Status          string
	RequestedFrames int
	CompletedFrames int
	MissingFrames   int
	CellFailures    int
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is the SQLite-backed run ledger.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    sample TEXT NOT NULL,
    stage TEXT NOT NULL,
    identity TEXT NOT NULL,
    series TEXT NOT NULL,
    dataset_dir TEXT NOT NULL,
    status TEXT NOT NULL,
    requested_frames INTEGER NOT NULL,
    completed_frames INTEGER NOT NULL DEFAULT 0,
    missing_frames INTEGER NOT NULL DEFAULT 0,
    cell_failures INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_identity ON runs(identity);
CREATE INDEX IF NOT EXISTS idx_runs_series ON runs(series);
CREATE TABLE IF NOT EXISTS completed_frames (
    series TEXT NOT NULL,
    frame_number INTEGER NOT NULL,
    PRIMARY KEY (series, frame_number)
);
`

// Open initializes or connects to the ledger database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "mkdir", dir, err)
	}
	dbPath := filepath.Join(dir, "ledger.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "open", dbPath, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrConfiguration, "ledger", "pragma", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, services.Wrap(services.ErrConfiguration, "ledger", "schema", dbPath, err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun records a new run as running and returns it.
func (s *Store) StartRun(ctx context.Context, sample, stage, identity, series, datasetDir string, requested int) (*Run, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
            id, sample, stage, identity, series, dataset_dir, status,
            requested_frames, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sample, stage, identity, series, datasetDir, StatusRunning, requested, now, now,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "insert run", id, err)
	}
	return s.GetRun(ctx, id)
}

// CompleteRun finalizes a run's counters and marks it completed.
func (s *Store) CompleteRun(ctx context.Context, id string, completed, missing, cellFailures int) error {
	return s.finish(ctx, id, StatusCompleted, completed, missing, cellFailures, "")
}

// FailRun marks a run failed with a reason.
func (s *Store) FailRun(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailed, 0, 0, 0, reason)
}

func (s *Store) finish(ctx context.Context, id, status string, completed, missing, cellFailures int, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_frames = ?, missing_frames = ?,
            cell_failures = ?, failure_reason = ?, updated_at = ?
        WHERE id = ?`,
		status, completed, missing, cellFailures, reason, now, id,
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "ledger", "update run", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "ledger", "update run", id, nil)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sample, stage, identity, series, dataset_dir, status,
            requested_frames, completed_frames, missing_frames, cell_failures,
            failure_reason, created_at, updated_at
        FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, services.Wrap(services.ErrNotFound, "ledger", "get run", id, nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "get run", id, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run for a dataset identity,
// or ErrNotFound when the identity has never run.
func (s *Store) LatestRun(ctx context.Context, identity string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sample, stage, identity, series, dataset_dir, status,
            requested_frames, completed_frames, missing_frames, cell_failures,
            failure_reason, created_at, updated_at
        FROM runs WHERE identity = ? ORDER BY created_at DESC LIMIT 1`, identity)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, services.Wrap(services.ErrNotFound, "ledger", "latest run", identity, nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "latest run", identity, err)
	}
	return run, nil
}

// LatestSeriesRun returns the most recently started run in a series,
// regardless of the frame window it covered.
func (s *Store) LatestSeriesRun(ctx context.Context, series string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sample, stage, identity, series, dataset_dir, status,
            requested_frames, completed_frames, missing_frames, cell_failures,
            failure_reason, created_at, updated_at
        FROM runs WHERE series = ? ORDER BY created_at DESC LIMIT 1`, series)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, services.Wrap(services.ErrNotFound, "ledger", "latest series run", series, nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "latest series run", series, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sample, stage, identity, series, dataset_dir, status,
            requested_frames, completed_frames, missing_frames, cell_failures,
            failure_reason, created_at, updated_at
        FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "list runs", "", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "ledger", "scan run", "", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var created, updated string
	if err := row.Scan(
		&run.ID, &run.Sample, &run.Stage, &run.Identity, &run.Series, &run.DatasetDir,
		&run.Status, &run.RequestedFrames, &run.CompletedFrames,
		&run.MissingFrames, &run.CellFailures, &run.FailureReason,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &run, nil
}

// MarkFrames records frames as completed for a series. The series key is
// range-independent, so a wider rerun sees the narrower run's frames.
// Re-marking a frame is a no-op, so resumed runs can mark freely.
func (s *Store) MarkFrames(ctx context.Context, series string, frames []int32) error {
	if len(frames) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return services.Wrap(services.ErrTransient, "ledger", "mark frames", series, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO completed_frames (series, frame_number) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return services.Wrap(services.ErrTransient, "ledger", "mark frames", series, err)
	}
	defer stmt.Close()
	for _, f := range frames {
		if _, err := stmt.ExecContext(ctx, series, f); err != nil {
			_ = tx.Rollback()
			return services.Wrap(services.ErrTransient, "ledger", "mark frames",
				fmt.Sprintf("%s frame %d", series, f), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return services.Wrap(services.ErrTransient, "ledger", "mark frames", series, err)
	}
	return nil
}

// CompletedFrames returns the set of frames already processed for a series.
// The resume path consults this before resubmitting work.
func (s *Store) CompletedFrames(ctx context.Context, series string) (map[int32]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame_number FROM completed_frames WHERE series = ?`, series)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ledger", "completed frames", series, err)
	}
	defer rows.Close()

	done := make(map[int32]bool)
	for rows.Next() {
		var f int32
		if err := rows.Scan(&f); err != nil {
			return nil, services.Wrap(services.ErrTransient, "ledger", "completed frames", series, err)
		}
		done[f] = true
	}
	return done, rows.Err()
}
