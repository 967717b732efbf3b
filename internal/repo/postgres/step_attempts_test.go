package postgres

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

var attemptColumnNames = []string{"attempt_id", "run_id", "step_id", "attempt", "status", "output", "error_kind", "error_message", "started_at", "finished_at"}

func TestStepAttemptQueriesIdempotent(t *testing.T) {
	if !strings.Contains(insertStepAttemptQuery, "ON CONFLICT (run_id, step_id, attempt) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(finishStepAttemptQuery, "finished_at IS NULL") {
		t.Fatalf("expected finish to only close open attempts")
	}
	if !strings.Contains(listStepAttemptsByRunQuery, "ORDER BY") {
		t.Fatalf("expected ORDER BY in list query")
	}
}

func TestBeginAttemptInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO provision_step_attempts")).
		WithArgs("a-1", "run-1", "mint", 1, "running", nil, nil, nil, started, nil).
		WillReturnRows(sqlmock.NewRows(attemptColumnNames).
			AddRow("a-1", "run-1", "mint", 1, "running", nil, nil, nil, started, nil))

	store := NewStepAttemptStore(db)
	record, created, err := store.BeginAttempt(context.Background(), repo.StepAttemptRecord{
		ID: "a-1", RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("BeginAttempt() err=%v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if record.Status != domain.AttemptRunning || record.FinishedAt != nil {
		t.Fatalf("unexpected record %+v", record)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBeginAttemptReturnsExistingOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Second)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO provision_step_attempts")).
		WillReturnRows(sqlmock.NewRows(attemptColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FROM provision_step_attempts")).
		WithArgs("run-1", "mint", 1).
		WillReturnRows(sqlmock.NewRows(attemptColumnNames).
			AddRow("a-0", "run-1", "mint", 1, "succeeded", "0xabc", nil, nil, started, finished))

	store := NewStepAttemptStore(db)
	record, created, err := store.BeginAttempt(context.Background(), repo.StepAttemptRecord{
		RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning,
	})
	if err != nil {
		t.Fatalf("BeginAttempt() err=%v", err)
	}
	if created {
		t.Fatalf("expected created=false on conflict")
	}
	if record.ID != "a-0" || record.Status != domain.AttemptSucceeded || record.Output != "0xabc" {
		t.Fatalf("unexpected existing record %+v", record)
	}
	if record.FinishedAt == nil || !record.FinishedAt.Equal(finished) {
		t.Fatalf("expected finished_at to round trip")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishAttemptNotOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE provision_step_attempts")).
		WithArgs("run-1", "mint", 1, "succeeded", "0xabc", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStepAttemptStore(db)
	err = store.FinishAttempt(context.Background(), repo.AttemptOutcome{
		RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptSucceeded, Output: "0xabc",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishAttemptRejectsRunningOutcome(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewStepAttemptStore(db)
	err = store.FinishAttempt(context.Background(), repo.AttemptOutcome{
		RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning,
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestListByRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM provision_step_attempts")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(attemptColumnNames).
			AddRow("a-1", "run-1", "token", 1, "succeeded", "0x01", nil, nil, started, started).
			AddRow("a-2", "run-1", "mint", 1, "retrying", nil, "transient", "timeout", started, started))

	records, err := NewStepAttemptStore(db).ListByRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListByRun() err=%v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].ErrorKind != "transient" || records[1].ErrorMessage != "timeout" {
		t.Fatalf("unexpected error columns %+v", records[1])
	}
}
