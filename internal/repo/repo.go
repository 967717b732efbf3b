package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a run id is reused.
var ErrAlreadyExists = errors.New("already exists")

// RunRecord is the persisted header of a provisioning run. Plan holds the
// canonical plan encoding so a run can be resumed without the original input.
type RunRecord struct {
	ID        string
	PlanHash  string
	Plan      []byte
	Status    domain.RunStatus
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r RunRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(r.PlanHash) == "" {
		return fmt.Errorf("plan hash is required")
	}
	if len(r.Plan) == 0 {
		return fmt.Errorf("plan is required")
	}
	if domain.NormalizeRunStatus(string(r.Status)) == "" {
		return fmt.Errorf("invalid run status %q", r.Status)
	}
	return nil
}

// StepAttemptRecord is one journal row. Rows are written as running before
// the ledger is contacted and closed exactly once with an outcome.
type StepAttemptRecord struct {
	ID           string
	RunID        string
	StepID       string
	Attempt      int
	Status       domain.AttemptStatus
	Output       string
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

func (r StepAttemptRecord) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(r.StepID) == "" {
		return fmt.Errorf("step id is required")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// AttemptOutcome closes a running attempt.
type AttemptOutcome struct {
	RunID        string
	StepID       string
	Attempt      int
	Status       domain.AttemptStatus
	Output       string
	ErrorKind    string
	ErrorMessage string
	FinishedAt   time.Time
}

func (o AttemptOutcome) Validate() error {
	if strings.TrimSpace(o.RunID) == "" || strings.TrimSpace(o.StepID) == "" {
		return fmt.Errorf("run id and step id are required")
	}
	if o.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if o.Status == "" || o.Status == domain.AttemptRunning {
		return fmt.Errorf("outcome status must be terminal, got %q", o.Status)
	}
	return nil
}

// RunRepository manages run headers.
type RunRepository interface {
	CreateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
	// LatestRun returns the most recently created run.
	LatestRun(ctx context.Context) (RunRecord, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, reason string) error
}

// StepAttemptRepository is the append-mostly attempt journal.
type StepAttemptRepository interface {
	// BeginAttempt inserts a running attempt. When (run, step, attempt)
	// already exists the stored row is returned with created=false.
	BeginAttempt(ctx context.Context, record StepAttemptRecord) (StepAttemptRecord, bool, error)
	// FinishAttempt closes an open attempt; ErrNotFound when no open attempt matches.
	FinishAttempt(ctx context.Context, outcome AttemptOutcome) error
	ListByRun(ctx context.Context, runID string) ([]StepAttemptRecord, error)
}

// Store is the complete RunState persistence surface.
type Store interface {
	RunRepository
	StepAttemptRepository
}
