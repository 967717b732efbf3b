package domain

import "strings"

// RunStatus is the coarse state of a provisioning run.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunHalted     RunStatus = "halted"
)

// AttemptStatus records how one step attempt ended.
type AttemptStatus string

const (
	AttemptRunning    AttemptStatus = "running"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptReconciled AttemptStatus = "reconciled"
	AttemptRetrying   AttemptStatus = "retrying"
	AttemptRejected   AttemptStatus = "rejected"
	AttemptFailed     AttemptStatus = "failed"
)

// StepStatus maps an attempt outcome to the step status it implies.
func (s AttemptStatus) StepStatus() StepStatus {
	switch s {
	case AttemptRunning:
		return StepRunning
	case AttemptSucceeded, AttemptReconciled:
		return StepDone
	case AttemptRejected, AttemptFailed:
		return StepFailed
	default:
		return StepPending
	}
}

func NormalizeRunStatus(value string) RunStatus {
	switch RunStatus(strings.ToLower(strings.TrimSpace(value))) {
	case RunNotStarted, "":
		return RunNotStarted
	case RunInProgress:
		return RunInProgress
	case RunCompleted:
		return RunCompleted
	case RunHalted:
		return RunHalted
	default:
		return ""
	}
}

// CanTransitionRun enforces NotStarted -> InProgress -> {Completed, Halted}.
// A halted run may re-enter InProgress when it is resumed.
func CanTransitionRun(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	switch current {
	case RunNotStarted:
		return next == RunInProgress
	case RunInProgress:
		return next == RunCompleted || next == RunHalted
	case RunHalted:
		return next == RunInProgress
	default:
		return false
	}
}
