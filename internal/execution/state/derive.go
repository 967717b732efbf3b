package state

import (
	"strings"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/repo"
)

// StepView is the per-step state derived from the attempt journal.
type StepView struct {
	ID        string
	Kind      domain.StepKind
	Status    domain.StepStatus
	Output    string
	Attempts  int
	ErrorKind string
	LastError string
}

// DeriveSteps folds journal records into one view per plan step, in plan
// order. The highest attempt number decides the status; records for steps
// outside the plan are ignored.
func DeriveSteps(p plan.Plan, records []repo.StepAttemptRecord) []StepView {
	byStep := groupByStep(records)
	views := make([]StepView, 0, len(p.Steps))
	for _, step := range p.Steps {
		view := StepView{ID: step.ID, Kind: step.Kind, Status: domain.StepPending}
		for _, record := range byStep[step.ID] {
			if record.Attempt < view.Attempts {
				continue
			}
			view.Attempts = record.Attempt
			view.Status = record.Status.StepStatus()
			if record.ErrorMessage != "" || record.ErrorKind != "" {
				view.ErrorKind = record.ErrorKind
				view.LastError = record.ErrorMessage
			}
			if view.Status == domain.StepDone {
				view.Output = record.Output
			}
		}
		views = append(views, view)
	}
	return views
}

// Index maps step id to its view.
func Index(views []StepView) map[string]StepView {
	out := make(map[string]StepView, len(views))
	for _, v := range views {
		out[v.ID] = v
	}
	return out
}

// DeriveRunStatus computes the run status implied by the step views.
func DeriveRunStatus(views []StepView) domain.RunStatus {
	if len(views) == 0 {
		return domain.RunNotStarted
	}
	started := false
	done := 0
	for _, v := range views {
		if v.Attempts > 0 {
			started = true
		}
		switch v.Status {
		case domain.StepFailed:
			return domain.RunHalted
		case domain.StepDone:
			done++
		}
	}
	switch {
	case done == len(views):
		return domain.RunCompleted
	case !started:
		return domain.RunNotStarted
	default:
		return domain.RunInProgress
	}
}

// Outputs collects the outputs of Done steps for reference resolution.
func Outputs(views []StepView) domain.Outputs {
	out := domain.Outputs{}
	for _, v := range views {
		if v.Status == domain.StepDone && v.Output != "" {
			out.Set(v.ID, domain.PrimaryOutput(v.Kind), v.Output)
		}
	}
	return out
}

// Ready returns the Pending steps whose dependencies are all Done, in plan order.
func Ready(p plan.Plan, views map[string]StepView) []string {
	var ready []string
	for _, step := range p.Steps {
		if views[step.ID].Status != domain.StepPending {
			continue
		}
		ok := true
		for _, dep := range step.Dependencies() {
			if views[dep].Status != domain.StepDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step.ID)
		}
	}
	return ready
}

func groupByStep(records []repo.StepAttemptRecord) map[string][]repo.StepAttemptRecord {
	out := make(map[string][]repo.StepAttemptRecord)
	for _, record := range records {
		step := strings.TrimSpace(record.StepID)
		if step == "" {
			continue
		}
		out[step] = append(out[step], record)
	}
	return out
}
