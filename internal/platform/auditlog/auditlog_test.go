package auditlog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestInsertWritesIntegrity(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	event := Event{OccurredAt: at, Actor: "0xdeployer", Action: "run.started", RunID: "run-1"}
	integrity, err := ComputeIntegritySHA256(event, []byte(`{}`))
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO provision_audit_events")).
		WithArgs(at, "0xdeployer", "run.started", "run-1", sqlmock.AnyArg(), []byte(`{}`), integrity).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(7)))

	id, err := Insert(context.Background(), db, event)
	if err != nil {
		t.Fatalf("Insert() err=%v", err)
	}
	if id != 7 {
		t.Fatalf("Insert() id=%d, want 7", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertRejectsMissingRun(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	_, err = Insert(context.Background(), db, Event{Actor: "a", Action: "run.started"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestIntegrityStable(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	event := Event{OccurredAt: at, Actor: "a", Action: "run.halted", RunID: "r", StepID: "mint"}
	first, err := ComputeIntegritySHA256(event, []byte(`{"step":"mint"}`))
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	second, err := ComputeIntegritySHA256(event, []byte(`{"step":"mint"}`))
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if first != second || len(first) != 64 {
		t.Fatalf("expected stable 64-char digest, got %q and %q", first, second)
	}
}
