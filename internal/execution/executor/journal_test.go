package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/ledger"
	"github.com/charity-dao/provisioner/internal/ledger/simulated"
	sqlitedb "github.com/charity-dao/provisioner/internal/platform/sqlite"
	"github.com/charity-dao/provisioner/internal/repo"
	sqliterepo "github.com/charity-dao/provisioner/internal/repo/sqlite"
)

// cancelOnSubmit cancels the caller's context as the submission is sent,
// like a SIGINT arriving while a transaction is in flight.
type cancelOnSubmit struct {
	*simulated.Ledger
	cancel context.CancelFunc
}

func (c cancelOnSubmit) Submit(ctx context.Context, req ledger.Request) (ledger.Receipt, error) {
	c.cancel()
	return c.Ledger.Submit(ctx, req)
}

func openJournal(t *testing.T) *sqliterepo.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, sqlitedb.Config{
		Path:        filepath.Join(t.TempDir(), "state.db"),
		BusyTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := sqliterepo.New(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	if err := store.CreateRun(ctx, repo.RunRecord{ID: runID, PlanHash: "h", Plan: []byte("{}"), Status: domain.RunInProgress}); err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	return store
}

func TestExecuteRecordsOutcomeWhenCancelledMidSubmit(t *testing.T) {
	h := newHarness(t)
	journal := openJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec, err := New(cancelOnSubmit{Ledger: h.ledger, cancel: cancel}, journal, Options{
		Policy:   DefaultRetryPolicy(),
		Deployer: deployer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	step, _ := h.plan.Step(plan.StepToken)
	resolved, _ := step.Resolve(h.outputs)

	result, err := exec.Execute(ctx, runID, step, resolved, 0)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("expected the run context to be cancelled")
	}
	if result.Status != domain.StepDone || !domain.IsAddress(result.Output) {
		t.Fatalf("expected done with a deployed address, got %+v", result)
	}

	rows, err := journal.ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListByRun() err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one journal row, got %d", len(rows))
	}
	if rows[0].Status != domain.AttemptSucceeded || rows[0].Output != result.Output {
		t.Fatalf("journal row status=%s output=%q, want succeeded %q", rows[0].Status, rows[0].Output, result.Output)
	}
	if n := len(h.ledger.Applied()); n != 1 {
		t.Fatalf("expected one applied request, got %d", n)
	}
}
