package provisioning

import (
	"errors"
	"fmt"

	"github.com/charity-dao/provisioner/internal/ledger"
)

// ErrPlanDrift is returned when a resumed run is given a plan whose hash
// differs from the persisted one.
var ErrPlanDrift = errors.New("plan differs from the persisted run plan")

// ErrRunCompleted is returned when resuming a run that already completed.
var ErrRunCompleted = errors.New("run already completed")

// HaltError reports the step that halted a run.
type HaltError struct {
	RunID    string
	StepID   string
	Attempts int
	Kind     ledger.ErrorKind
	Err      error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("run %s halted at step %s after %d attempt(s) [%s]: %v", e.RunID, e.StepID, e.Attempts, e.Kind, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}
