// Package executor runs single provisioning steps against the ledger. Every
// attempt is journaled as running before the submission so an interrupted
// process leaves evidence behind, and any attempt after the first checks the
// ledger for the step's effect before submitting again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/ledger"
	"github.com/charity-dao/provisioner/internal/platform/telemetry"
	"github.com/charity-dao/provisioner/internal/repo"
)

const errorKindInterrupted = "interrupted"

// Result is the terminal outcome of Execute or Reconcile for one step.
type Result struct {
	StepID     string
	Status     domain.StepStatus
	Output     string
	Attempts   int
	ErrorKind  ledger.ErrorKind
	Err        error
	Reconciled bool
}

type Options struct {
	Policy   RetryPolicy
	Deployer string
	Logger   *slog.Logger
	Meter    metric.Meter
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

type Executor struct {
	client   ledger.Client
	journal  repo.StepAttemptRepository
	policy   RetryPolicy
	deployer string
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func New(client ledger.Client, journal repo.StepAttemptRepository, opts Options) (*Executor, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if journal == nil {
		return nil, errors.New("step attempt repository is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if !domain.IsAddress(opts.Deployer) {
		return nil, fmt.Errorf("deployer %q is not an address", opts.Deployer)
	}
	e := &Executor{
		client:   client,
		journal:  journal,
		policy:   opts.Policy,
		deployer: domain.NormalizeAddress(opts.Deployer),
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}

	meter := opts.Meter
	if meter == nil {
		meter = telemetry.Meter()
	}
	var err error
	e.attempts, err = meter.Int64Counter("provision.step.attempts",
		metric.WithDescription("Step attempts by kind and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	e.duration, err = meter.Float64Histogram("provision.step.duration",
		metric.WithDescription("Wall time to drive a step to a terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return e, nil
}

func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Execute drives step to Done or Failed, starting at attempt prior+1 and
// spending at most Policy.MaxAttempts submissions. A non-nil error means the
// journal could not be written or ctx was cancelled during a backoff wait;
// the step is then left Pending for a later resume.
func (e *Executor) Execute(ctx context.Context, runID string, step domain.Step, resolved domain.Resolved, prior int) (Result, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return Result{}, errors.New("run id is required")
	}
	req, err := BuildRequest(runID, step, resolved, e.deployer)
	if err != nil {
		return Result{}, err
	}

	started := e.now()
	defer func() {
		e.duration.Record(ctx, e.now().Sub(started).Seconds(), metric.WithAttributes(attribute.String("kind", string(step.Kind))))
	}()

	result := Result{StepID: step.ID, Status: domain.StepPending, Attempts: prior}
	for i := 0; i < e.policy.MaxAttempts; i++ {
		attempt := prior + i + 1
		result.Attempts = attempt
		if err := e.begin(ctx, runID, step.ID, attempt); err != nil {
			return result, err
		}

		if attempt > 1 {
			output, present, err := Effect(ctx, e.client, runID, step, resolved)
			if err == nil && present {
				return e.close(ctx, runID, step, attempt, domain.AttemptReconciled, output, nil)
			}
			if err != nil {
				e.logger.Warn("effect check failed; submitting", "run_id", runID, "step", step.ID, "attempt", attempt, "error", err)
			}
		}

		// A sent submission cannot be recalled, so neither it nor the journal
		// row recording its outcome is cut short by cancellation.
		persistCtx := context.WithoutCancel(ctx)
		receipt, submitErr := e.client.Submit(persistCtx, req)
		if submitErr == nil && !receipt.Success {
			submitErr = ledger.Rejected(req.Method, "receipt reported failure")
		}
		if submitErr == nil {
			return e.close(persistCtx, runID, step, attempt, domain.AttemptSucceeded, receipt.Output, nil)
		}

		if ledger.KindOf(submitErr) != ledger.ErrorTransient {
			return e.close(persistCtx, runID, step, attempt, domain.AttemptRejected, "", submitErr)
		}
		if i == e.policy.MaxAttempts-1 {
			return e.close(persistCtx, runID, step, attempt, domain.AttemptFailed, "", submitErr)
		}
		if _, err := e.close(persistCtx, runID, step, attempt, domain.AttemptRetrying, "", submitErr); err != nil {
			return result, err
		}

		wait := e.policy.Backoff(i + 1)
		e.logger.Info("step retry scheduled", "run_id", runID, "step", step.ID, "attempt", attempt, "backoff", wait.String(), "error", submitErr)
		if err := e.sleep(ctx, wait); err != nil {
			result.ErrorKind = ledger.ErrorTransient
			result.Err = submitErr
			return result, err
		}
	}
	return result, nil
}

// Reconcile closes a running attempt left by an interrupted process. When the
// ledger already shows the step's effect the attempt becomes reconciled and
// the step Done; otherwise the attempt is closed as retrying and the step
// returns to Pending.
func (e *Executor) Reconcile(ctx context.Context, runID string, step domain.Step, resolved domain.Resolved, attempt int) (Result, error) {
	output, present, err := Effect(ctx, e.client, runID, step, resolved)
	if err != nil {
		return Result{StepID: step.ID, Status: domain.StepRunning, Attempts: attempt}, fmt.Errorf("reconcile step %s: %w", step.ID, err)
	}
	if present {
		return e.close(ctx, runID, step, attempt, domain.AttemptReconciled, output, nil)
	}
	err = e.journal.FinishAttempt(ctx, repo.AttemptOutcome{
		RunID:        runID,
		StepID:       step.ID,
		Attempt:      attempt,
		Status:       domain.AttemptRetrying,
		ErrorKind:    errorKindInterrupted,
		ErrorMessage: "attempt interrupted before confirmation; effect not found on ledger",
		FinishedAt:   e.now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("close interrupted attempt %s#%d: %w", step.ID, attempt, err)
	}
	e.record(ctx, step.Kind, errorKindInterrupted)
	e.logger.Info("interrupted attempt has no ledger effect", "run_id", runID, "step", step.ID, "attempt", attempt)
	return Result{StepID: step.ID, Status: domain.StepPending, Attempts: attempt}, nil
}

func (e *Executor) begin(ctx context.Context, runID, stepID string, attempt int) error {
	_, created, err := e.journal.BeginAttempt(ctx, repo.StepAttemptRecord{
		RunID:     runID,
		StepID:    stepID,
		Attempt:   attempt,
		Status:    domain.AttemptRunning,
		StartedAt: e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("journal attempt %s#%d: %w", stepID, attempt, err)
	}
	if !created {
		return fmt.Errorf("journal attempt %s#%d: attempt already recorded", stepID, attempt)
	}
	return nil
}

func (e *Executor) close(ctx context.Context, runID string, step domain.Step, attempt int, status domain.AttemptStatus, output string, cause error) (Result, error) {
	outcome := repo.AttemptOutcome{
		RunID:      runID,
		StepID:     step.ID,
		Attempt:    attempt,
		Status:     status,
		Output:     output,
		FinishedAt: e.now().UTC(),
	}
	kind := ledger.KindOf(cause)
	if cause != nil {
		outcome.ErrorKind = string(kind)
		outcome.ErrorMessage = cause.Error()
	}
	if err := e.journal.FinishAttempt(ctx, outcome); err != nil {
		return Result{StepID: step.ID, Status: domain.StepRunning, Attempts: attempt}, fmt.Errorf("close attempt %s#%d: %w", step.ID, attempt, err)
	}
	e.record(ctx, step.Kind, string(status))

	result := Result{
		StepID:     step.ID,
		Status:     status.StepStatus(),
		Output:     output,
		Attempts:   attempt,
		ErrorKind:  kind,
		Err:        cause,
		Reconciled: status == domain.AttemptReconciled,
	}
	attrs := []any{"run_id", runID, "step", step.ID, "attempt", attempt, "outcome", string(status)}
	switch {
	case cause != nil && result.Status == domain.StepFailed:
		e.logger.Error("step failed", append(attrs, "error_kind", string(kind), "error", cause)...)
	case cause != nil:
		e.logger.Warn("step attempt failed", append(attrs, "error_kind", string(kind), "error", cause)...)
	default:
		e.logger.Info("step attempt finished", attrs...)
	}
	return result, nil
}

func (e *Executor) record(ctx context.Context, kind domain.StepKind, outcome string) {
	e.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
