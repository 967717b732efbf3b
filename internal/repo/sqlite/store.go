// Package sqlite stores RunState in a local SQLite file. Timestamps are kept
// as fixed-width RFC 3339 text so they sort lexically and stay readable with
// the sqlite3 shell.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS provision_runs (
		run_id TEXT PRIMARY KEY,
		plan_hash TEXT NOT NULL,
		plan BLOB NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS provision_step_attempts (
		attempt_id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES provision_runs(run_id),
		step_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, step_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS provision_step_attempts_run_idx ON provision_step_attempts (run_id, started_at)`,
}

const (
	runColumns     = `run_id, plan_hash, plan, status, reason, created_at, updated_at`
	attemptColumns = `attempt_id, run_id, step_id, attempt, status, output, error_kind, error_message, started_at, finished_at`
)

type Store struct {
	db  DB
	now func() time.Time
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, now: time.Now}
}

// Migrate creates the RunState tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate provisioning schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run repo.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO provision_runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?) ON CONFLICT (run_id) DO NOTHING`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PlanHash),
		run.Plan,
		string(domain.NormalizeRunStatus(string(run.Status))),
		strings.TrimSpace(run.Reason),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("insert run %s: %w", run.ID, repo.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("sqlite store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM provision_runs WHERE run_id = ?`, id))
}

func (s *Store) LatestRun(ctx context.Context) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("sqlite store not initialized")
	}
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM provision_runs ORDER BY created_at DESC, rowid DESC LIMIT 1`))
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	normalized := domain.NormalizeRunStatus(string(status))
	if normalized == "" {
		return fmt.Errorf("invalid run status %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE provision_runs SET status = ?, reason = ?, updated_at = ? WHERE run_id = ?`,
		string(normalized), strings.TrimSpace(reason), formatTime(s.now()), strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) BeginAttempt(ctx context.Context, record repo.StepAttemptRecord) (repo.StepAttemptRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("sqlite store not initialized")
	}
	if err := record.Validate(); err != nil {
		return repo.StepAttemptRecord{}, false, err
	}
	record.RunID = strings.TrimSpace(record.RunID)
	record.StepID = strings.TrimSpace(record.StepID)
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now()
	}
	finishedAt := ""
	if record.FinishedAt != nil && !record.FinishedAt.IsZero() {
		finishedAt = formatTime(*record.FinishedAt)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO provision_step_attempts (`+attemptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (run_id, step_id, attempt) DO NOTHING`,
		record.ID,
		record.RunID,
		record.StepID,
		record.Attempt,
		string(record.Status),
		record.Output,
		record.ErrorKind,
		record.ErrorMessage,
		formatTime(record.StartedAt),
		finishedAt,
	)
	if err != nil {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("insert step attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("insert step attempt: %w", err)
	}

	stored, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM provision_step_attempts WHERE run_id = ? AND step_id = ? AND attempt = ?`,
		record.RunID, record.StepID, record.Attempt,
	))
	if err != nil {
		return repo.StepAttemptRecord{}, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) FinishAttempt(ctx context.Context, outcome repo.AttemptOutcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	if err := outcome.Validate(); err != nil {
		return err
	}
	finishedAt := outcome.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE provision_step_attempts
		 SET status = ?, output = ?, error_kind = ?, error_message = ?, finished_at = ?
		 WHERE run_id = ? AND step_id = ? AND attempt = ? AND finished_at = ''`,
		string(outcome.Status),
		outcome.Output,
		outcome.ErrorKind,
		outcome.ErrorMessage,
		formatTime(finishedAt),
		strings.TrimSpace(outcome.RunID),
		strings.TrimSpace(outcome.StepID),
		outcome.Attempt,
	)
	if err != nil {
		return fmt.Errorf("finish step attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish step attempt: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]repo.StepAttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM provision_step_attempts WHERE run_id = ? ORDER BY started_at ASC, step_id ASC, attempt ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	defer rows.Close()

	records := make([]repo.StepAttemptRecord, 0)
	for rows.Next() {
		record, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (repo.RunRecord, error) {
	var run repo.RunRecord
	var status, createdAt, updatedAt string
	if err := row.Scan(&run.ID, &run.PlanHash, &run.Plan, &status, &run.Reason, &createdAt, &updatedAt); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return repo.RunRecord{}, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return repo.RunRecord{}, err
	}
	return run, nil
}

func scanAttempt(row scanner) (repo.StepAttemptRecord, error) {
	var record repo.StepAttemptRecord
	var status, startedAt, finishedAt string
	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.StepID,
		&record.Attempt,
		&status,
		&record.Output,
		&record.ErrorKind,
		&record.ErrorMessage,
		&startedAt,
		&finishedAt,
	); err != nil {
		return repo.StepAttemptRecord{}, handleNotFound(err)
	}
	record.Status = domain.AttemptStatus(status)
	var err error
	if record.StartedAt, err = parseTime(startedAt); err != nil {
		return repo.StepAttemptRecord{}, err
	}
	if finishedAt != "" {
		t, err := parseTime(finishedAt)
		if err != nil {
			return repo.StepAttemptRecord{}, err
		}
		record.FinishedAt = &t
	}
	return record, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
