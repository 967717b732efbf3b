package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/executor"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/execution/state"
	"github.com/charity-dao/provisioner/internal/platform/telemetry"
	"github.com/charity-dao/provisioner/internal/repo"
)

const DefaultMaxParallel = 4

// Audit actions.
const (
	ActionRunStarted   = "run.started"
	ActionRunResumed   = "run.resumed"
	ActionRunCompleted = "run.completed"
	ActionRunHalted    = "run.halted"
)

// StepRunner executes and reconciles single steps.
type StepRunner interface {
	Execute(ctx context.Context, runID string, step domain.Step, resolved domain.Resolved, prior int) (executor.Result, error)
	Reconcile(ctx context.Context, runID string, step domain.Step, resolved domain.Resolved, attempt int) (executor.Result, error)
}

// AuditSink receives run transitions.
type AuditSink interface {
	Record(ctx context.Context, action, runID, stepID string, payload map[string]any) error
}

type Options struct {
	MaxParallel int
	Logger      *slog.Logger
	Audit       AuditSink
	Tracer      trace.Tracer
	NewRunID    func() string
}

type Service struct {
	store       repo.Store
	runner      StepRunner
	maxParallel int
	logger      *slog.Logger
	audit       AuditSink
	tracer      trace.Tracer
	newRunID    func() string
}

// Outcome is the state of a run when Start, Resume or Status returns.
type Outcome struct {
	RunID    string
	PlanHash string
	Plan     plan.Plan
	Status   domain.RunStatus
	Steps    []state.StepView
	Halt     *HaltError
}

// Outputs returns the outputs of Done steps.
func (o Outcome) Outputs() domain.Outputs {
	return state.Outputs(o.Steps)
}

func New(store repo.Store, runner StepRunner, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("run state store is required")
	}
	if runner == nil {
		return nil, errors.New("step runner is required")
	}
	s := &Service{
		store:       store,
		runner:      runner,
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger,
		audit:       opts.Audit,
		tracer:      opts.Tracer,
		newRunID:    opts.NewRunID,
	}
	if s.maxParallel < 1 {
		s.maxParallel = DefaultMaxParallel
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.tracer == nil {
		s.tracer = telemetry.Tracer()
	}
	if s.newRunID == nil {
		s.newRunID = uuid.NewString
	}
	return s, nil
}

// Start persists a new run for p and drives it to a terminal state.
func (s *Service) Start(ctx context.Context, p plan.Plan) (Outcome, error) {
	if err := plan.Validate(p); err != nil {
		return Outcome{}, err
	}
	raw, err := plan.Marshal(p)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode plan: %w", err)
	}
	hash, err := plan.Hash(p)
	if err != nil {
		return Outcome{}, fmt.Errorf("hash plan: %w", err)
	}

	runID := s.newRunID()
	if err := s.store.CreateRun(ctx, repo.RunRecord{
		ID:       runID,
		PlanHash: hash,
		Plan:     raw,
		Status:   domain.RunNotStarted,
	}); err != nil {
		return Outcome{}, fmt.Errorf("create run: %w", err)
	}
	if err := s.transition(ctx, runID, domain.RunNotStarted, domain.RunInProgress, "", ActionRunStarted, map[string]any{
		"plan_hash": hash,
		"steps":     len(p.Steps),
	}); err != nil {
		return Outcome{RunID: runID, PlanHash: hash, Plan: p, Status: domain.RunNotStarted}, err
	}
	s.logger.Info("run started", "run_id", runID, "plan_hash", hash, "steps", len(p.Steps))

	return s.drive(ctx, runID, hash, p, state.DeriveSteps(p, nil))
}

// Resume continues a run from its persisted frontier. When expect is non-nil
// its hash must match the persisted plan; the persisted plan is always the
// one executed.
func (s *Service) Resume(ctx context.Context, runID string, expect *plan.Plan) (Outcome, error) {
	run, p, err := s.load(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	if expect != nil {
		hash, err := plan.Hash(*expect)
		if err != nil {
			return Outcome{}, fmt.Errorf("hash plan: %w", err)
		}
		if hash != run.PlanHash {
			return Outcome{}, fmt.Errorf("resume run %s: %w (persisted %s, supplied %s)", run.ID, ErrPlanDrift, short(run.PlanHash), short(hash))
		}
	}

	records, err := s.store.ListByRun(ctx, run.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load journal: %w", err)
	}
	views := state.DeriveSteps(p, records)
	if run.Status == domain.RunCompleted {
		return Outcome{RunID: run.ID, PlanHash: run.PlanHash, Plan: p, Status: run.Status, Steps: views}, ErrRunCompleted
	}

	if run.Status != domain.RunInProgress {
		if err := s.transition(ctx, run.ID, run.Status, domain.RunInProgress, "", ActionRunResumed, map[string]any{
			"from":   string(run.Status),
			"reason": run.Reason,
		}); err != nil {
			return Outcome{}, err
		}
	}
	s.logger.Info("run resumed", "run_id", run.ID, "previous_status", string(run.Status))

	views, err = s.reconcile(ctx, run.ID, p, views)
	if err != nil {
		return Outcome{RunID: run.ID, PlanHash: run.PlanHash, Plan: p, Status: domain.RunInProgress, Steps: views}, err
	}
	return s.drive(ctx, run.ID, run.PlanHash, p, views)
}

// Status derives the current step views of a run without mutating anything.
func (s *Service) Status(ctx context.Context, runID string) (Outcome, error) {
	run, p, err := s.load(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	records, err := s.store.ListByRun(ctx, run.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load journal: %w", err)
	}
	return Outcome{
		RunID:    run.ID,
		PlanHash: run.PlanHash,
		Plan:     p,
		Status:   run.Status,
		Steps:    state.DeriveSteps(p, records),
	}, nil
}

// LatestRunID returns the most recently created run.
func (s *Service) LatestRunID(ctx context.Context) (string, error) {
	run, err := s.store.LatestRun(ctx)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (s *Service) load(ctx context.Context, runID string) (repo.RunRecord, plan.Plan, error) {
	run, err := s.store.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return repo.RunRecord{}, plan.Plan{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	p, err := plan.Unmarshal(run.Plan)
	if err != nil {
		return repo.RunRecord{}, plan.Plan{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := plan.Validate(p); err != nil {
		return repo.RunRecord{}, plan.Plan{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, p, nil
}

// reconcile settles steps whose latest attempt is still running.
func (s *Service) reconcile(ctx context.Context, runID string, p plan.Plan, views []state.StepView) ([]state.StepView, error) {
	outputs := state.Outputs(views)
	for i, view := range views {
		if view.Status != domain.StepRunning {
			continue
		}
		step, _ := p.Step(view.ID)
		resolved, err := step.Resolve(outputs)
		if err != nil {
			return views, fmt.Errorf("reconcile step %s: %w", step.ID, err)
		}
		result, err := s.runner.Reconcile(ctx, runID, step, resolved, view.Attempts)
		if err != nil {
			return views, err
		}
		views[i] = applyResult(view, result)
		if result.Status == domain.StepDone {
			outputs.Set(step.ID, domain.PrimaryOutput(step.Kind), result.Output)
		}
		s.logger.Info("interrupted step reconciled", "run_id", runID, "step", step.ID, "attempt", view.Attempts, "status", string(result.Status))
	}
	return views, nil
}

type stepOutcome struct {
	result executor.Result
	err    error
}

func (s *Service) drive(ctx context.Context, runID, hash string, p plan.Plan, initial []state.StepView) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "provision.drive", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("steps", len(p.Steps)),
	))
	defer span.End()

	views := make(map[string]state.StepView, len(initial))
	for _, v := range initial {
		// A step that failed in an earlier session gets a fresh attempt budget.
		if v.Status == domain.StepFailed {
			v.Status = domain.StepPending
		}
		views[v.ID] = v
	}
	outputs := state.Outputs(initial)
	byID := make(map[string]domain.Step, len(p.Steps))
	for _, step := range p.Steps {
		byID[step.ID] = step
	}

	results := make(chan stepOutcome, s.maxParallel)
	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	inflight := 0
	var halt *HaltError
	var fault error

	for {
		for _, id := range state.Ready(p, views) {
			if halt != nil || fault != nil || inflight >= s.maxParallel || ctx.Err() != nil {
				break
			}
			step := byID[id]
			resolved, err := step.Resolve(outputs)
			if err != nil {
				fault = err
				break
			}
			view := views[id]
			view.Status = domain.StepRunning
			views[id] = view
			inflight++

			prior := view.Attempts
			s.logger.Info("step launched", "run_id", runID, "step", id, "kind", string(step.Kind), "attempt", prior+1)
			g.Go(func() error {
				stepCtx, stepSpan := s.tracer.Start(ctx, "provision.step", trace.WithAttributes(
					attribute.String("step", step.ID),
					attribute.String("kind", string(step.Kind)),
				))
				result, err := s.runner.Execute(stepCtx, runID, step, resolved, prior)
				result.StepID = step.ID
				if result.Status == domain.StepFailed {
					stepSpan.SetStatus(codes.Error, string(result.ErrorKind))
				}
				stepSpan.End()
				results <- stepOutcome{result: result, err: err}
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		out := <-results
		inflight--
		r := out.result
		views[r.StepID] = applyResult(views[r.StepID], r)

		switch {
		case out.err != nil:
			if !isContextErr(out.err) && fault == nil {
				fault = fmt.Errorf("step %s: %w", r.StepID, out.err)
			}
		case r.Status == domain.StepDone:
			outputs.Set(r.StepID, domain.PrimaryOutput(byID[r.StepID].Kind), r.Output)
			s.logger.Info("step done", "run_id", runID, "step", r.StepID, "attempts", r.Attempts, "reconciled", r.Reconciled)
		case r.Status == domain.StepFailed && halt == nil:
			halt = &HaltError{RunID: runID, StepID: r.StepID, Attempts: r.Attempts, Kind: r.ErrorKind, Err: r.Err}
			s.logger.Error("step failed; halting run", "run_id", runID, "step", r.StepID, "attempts", r.Attempts, "error_kind", string(r.ErrorKind), "error", r.Err)
		}
	}
	// Step goroutines report through results and never return an error; Wait
	// only joins them.
	_ = g.Wait()

	outcome := Outcome{RunID: runID, PlanHash: hash, Plan: p, Status: domain.RunInProgress, Steps: ordered(p, views)}
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case halt != nil:
		outcome.Status = domain.RunHalted
		outcome.Halt = halt
		span.SetStatus(codes.Error, halt.Error())
		if err := s.transition(persistCtx, runID, domain.RunInProgress, domain.RunHalted, halt.Error(), ActionRunHalted, map[string]any{
			"step":       halt.StepID,
			"attempts":   halt.Attempts,
			"error_kind": string(halt.Kind),
			"error":      errString(halt.Err),
		}); err != nil {
			return outcome, errors.Join(halt, err)
		}
		return outcome, halt
	case fault != nil:
		span.SetStatus(codes.Error, fault.Error())
		s.logger.Error("run interrupted", "run_id", runID, "error", fault)
		return outcome, fault
	case ctx.Err() != nil:
		s.logger.Warn("run cancelled; resume to continue", "run_id", runID, "error", ctx.Err())
		return outcome, ctx.Err()
	}

	for _, v := range outcome.Steps {
		if v.Status != domain.StepDone {
			return outcome, fmt.Errorf("run %s stalled: step %s is %s with no runnable steps", runID, v.ID, v.Status)
		}
	}
	outcome.Status = domain.RunCompleted
	if err := s.transition(persistCtx, runID, domain.RunInProgress, domain.RunCompleted, "", ActionRunCompleted, map[string]any{
		"steps": len(p.Steps),
	}); err != nil {
		return outcome, err
	}
	s.logger.Info("run completed", "run_id", runID)
	return outcome, nil
}

func (s *Service) transition(ctx context.Context, runID string, from, to domain.RunStatus, reason, action string, payload map[string]any) error {
	if !domain.CanTransitionRun(from, to) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", runID, from, to)
	}
	if err := s.store.UpdateRunStatus(ctx, runID, to, reason); err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	if s.audit == nil || action == "" {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	payload["to"] = string(to)
	payload["at"] = time.Now().UTC().Format(time.RFC3339)
	stepID, _ := payload["step"].(string)
	if err := s.audit.Record(ctx, action, runID, stepID, payload); err != nil {
		s.logger.Warn("audit record failed", "run_id", runID, "action", action, "error", err)
	}
	return nil
}

func applyResult(view state.StepView, r executor.Result) state.StepView {
	if r.Attempts > view.Attempts {
		view.Attempts = r.Attempts
	}
	switch r.Status {
	case domain.StepDone:
		view.Status = domain.StepDone
		view.Output = r.Output
	case domain.StepFailed:
		view.Status = domain.StepFailed
	default:
		view.Status = domain.StepPending
	}
	if r.Err != nil {
		view.ErrorKind = string(r.ErrorKind)
		view.LastError = r.Err.Error()
	}
	return view
}

func ordered(p plan.Plan, views map[string]state.StepView) []state.StepView {
	out := make([]state.StepView, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, views[step.ID])
	}
	return out
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
