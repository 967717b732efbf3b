package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charity-dao/provisioner/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS provision_runs (
	run_id TEXT PRIMARY KEY,
	plan_hash TEXT NOT NULL,
	plan JSONB NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS provision_step_attempts (
	attempt_id TEXT NOT NULL,
	run_id TEXT NOT NULL REFERENCES provision_runs(run_id),
	step_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	error_kind TEXT,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, step_id, attempt)
);
CREATE INDEX IF NOT EXISTS provision_step_attempts_run_idx ON provision_step_attempts (run_id, started_at);
`

// Migrate creates the RunState tables when they do not exist.
func Migrate(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate provisioning schema: %w", err)
	}
	return nil
}

// Store combines the run and attempt stores over one database.
type Store struct {
	*RunStore
	*StepAttemptStore
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{RunStore: NewRunStore(db), StepAttemptStore: NewStepAttemptStore(db)}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
