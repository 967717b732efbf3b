package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO provision_runs (run_id, plan_hash, plan, status, reason, created_at, updated_at)
	 VALUES ($1,$2,$3,$4,$5,$6,$7)
	 ON CONFLICT (run_id) DO NOTHING`

	selectRunQuery = `SELECT run_id, plan_hash, plan, status, reason, created_at, updated_at
	 FROM provision_runs
	 WHERE run_id = $1`

	selectLatestRunQuery = `SELECT run_id, plan_hash, plan, status, reason, created_at, updated_at
	 FROM provision_runs
	 ORDER BY created_at DESC, run_id DESC
	 LIMIT 1`

	updateRunStatusQuery = `UPDATE provision_runs
	 SET status = $2, reason = $3, updated_at = $4
	 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run repo.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	result, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PlanHash),
		run.Plan,
		string(domain.NormalizeRunStatus(string(run.Status))),
		nullIfEmpty(run.Reason),
		createdAt,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("insert run %s: %w", run.ID, repo.ErrAlreadyExists)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
}

func (s *RunStore) LatestRun(ctx context.Context) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectLatestRunQuery))
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	normalized := domain.NormalizeRunStatus(string(status))
	if normalized == "" {
		return fmt.Errorf("invalid run status %q", status)
	}
	result, err := s.db.ExecContext(ctx, updateRunStatusQuery, id, string(normalized), nullIfEmpty(reason), time.Now().UTC())
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

func scanRun(row *sql.Row) (repo.RunRecord, error) {
	var run repo.RunRecord
	var status string
	var reason sql.NullString
	if err := row.Scan(&run.ID, &run.PlanHash, &run.Plan, &status, &reason, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.Reason = strings.TrimSpace(reason.String)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
