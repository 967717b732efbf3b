package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

type StepAttemptStore struct {
	db DB
}

const (
	attemptColumns = `attempt_id, run_id, step_id, attempt, status, output, error_kind, error_message, started_at, finished_at`

	insertStepAttemptQuery = `INSERT INTO provision_step_attempts (` + attemptColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	 ON CONFLICT (run_id, step_id, attempt) DO NOTHING
	 RETURNING ` + attemptColumns

	selectStepAttemptQuery = `SELECT ` + attemptColumns + `
	 FROM provision_step_attempts
	 WHERE run_id = $1 AND step_id = $2 AND attempt = $3`

	finishStepAttemptQuery = `UPDATE provision_step_attempts
	 SET status = $4, output = $5, error_kind = $6, error_message = $7, finished_at = $8
	 WHERE run_id = $1 AND step_id = $2 AND attempt = $3 AND finished_at IS NULL`

	listStepAttemptsByRunQuery = `SELECT ` + attemptColumns + `
	 FROM provision_step_attempts
	 WHERE run_id = $1
	 ORDER BY started_at ASC, step_id ASC, attempt ASC`
)

func NewStepAttemptStore(db DB) *StepAttemptStore {
	if db == nil {
		return nil
	}
	return &StepAttemptStore{db: db}
}

func (s *StepAttemptStore) BeginAttempt(ctx context.Context, record repo.StepAttemptRecord) (repo.StepAttemptRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepAttemptRecord{}, false, fmt.Errorf("step attempt store not initialized")
	}
	if err := record.Validate(); err != nil {
		return repo.StepAttemptRecord{}, false, err
	}
	runID := strings.TrimSpace(record.RunID)
	stepID := strings.TrimSpace(record.StepID)

	var finishedAt sql.NullTime
	if record.FinishedAt != nil && !record.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: record.FinishedAt.UTC(), Valid: true}
	}
	id := record.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	inserted, err := scanStepAttempt(s.db.QueryRowContext(
		ctx,
		insertStepAttemptQuery,
		id,
		runID,
		stepID,
		record.Attempt,
		string(record.Status),
		nullIfEmpty(record.Output),
		nullIfEmpty(record.ErrorKind),
		nullIfEmpty(record.ErrorMessage),
		normalizeTime(record.StartedAt),
		finishedAt,
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.StepAttemptRecord{}, false, fmt.Errorf("insert step attempt: %w", err)
		}
		existing, err := scanStepAttempt(s.db.QueryRowContext(ctx, selectStepAttemptQuery, runID, stepID, record.Attempt))
		if err != nil {
			return repo.StepAttemptRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepAttemptStore) FinishAttempt(ctx context.Context, outcome repo.AttemptOutcome) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step attempt store not initialized")
	}
	if err := outcome.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(
		ctx,
		finishStepAttemptQuery,
		strings.TrimSpace(outcome.RunID),
		strings.TrimSpace(outcome.StepID),
		outcome.Attempt,
		string(outcome.Status),
		nullIfEmpty(outcome.Output),
		nullIfEmpty(outcome.ErrorKind),
		nullIfEmpty(outcome.ErrorMessage),
		normalizeTime(outcome.FinishedAt),
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

func (s *StepAttemptStore) ListByRun(ctx context.Context, runID string) ([]repo.StepAttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step attempt store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStepAttemptsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	defer rows.Close()

	records := make([]repo.StepAttemptRecord, 0)
	for rows.Next() {
		record, err := scanStepAttempt(rows)
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

type stepAttemptScanner interface {
	Scan(dest ...any) error
}

func scanStepAttempt(scanner stepAttemptScanner) (repo.StepAttemptRecord, error) {
	var record repo.StepAttemptRecord
	var status string
	var output, errorKind, errorMessage sql.NullString
	var finishedAt sql.NullTime
	if err := scanner.Scan(
		&record.ID,
		&record.RunID,
		&record.StepID,
		&record.Attempt,
		&status,
		&output,
		&errorKind,
		&errorMessage,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return repo.StepAttemptRecord{}, handleNotFound(err)
	}
	record.Status = domain.AttemptStatus(strings.TrimSpace(status))
	record.Output = output.String
	record.ErrorKind = errorKind.String
	record.ErrorMessage = errorMessage.String
	record.StartedAt = record.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}
	return record, nil
}
