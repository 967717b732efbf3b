// Package app ties the orchestrator, the verifier and report publishing into
// the end-to-end provisioning workflow used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/report"
	"github.com/charity-dao/provisioner/internal/service/provisioning"
	"github.com/charity-dao/provisioner/internal/verify"
)

// Verifier checks ledger state after a completed run.
type Verifier interface {
	Verify(ctx context.Context, exp verify.Expectations) (verify.Result, error)
}

// Runs is the part of provisioning.Service the workflow drives.
type Runs interface {
	Start(ctx context.Context, p plan.Plan) (provisioning.Outcome, error)
	Resume(ctx context.Context, runID string, expect *plan.Plan) (provisioning.Outcome, error)
	Status(ctx context.Context, runID string) (provisioning.Outcome, error)
}

type Workflow struct {
	Runs       Runs
	Verifier   Verifier
	Uploader   report.Uploader
	ReportPath string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Provision starts a run for p and reports on it.
func (w *Workflow) Provision(ctx context.Context, p plan.Plan) (report.Report, error) {
	out, err := w.Runs.Start(ctx, p)
	return w.finish(ctx, out, err)
}

// Resume continues runID. expect, when set, guards against plan drift.
func (w *Workflow) Resume(ctx context.Context, runID string, expect *plan.Plan) (report.Report, error) {
	out, err := w.Runs.Resume(ctx, runID, expect)
	if errors.Is(err, provisioning.ErrRunCompleted) {
		w.logger().Info("run already completed; verifying", "run_id", runID)
		return w.finish(ctx, out, nil)
	}
	return w.finish(ctx, out, err)
}

// Status reports the current state of runID without driving or verifying it.
func (w *Workflow) Status(ctx context.Context, runID string) (report.Report, error) {
	out, err := w.Runs.Status(ctx, runID)
	if err != nil {
		return report.Report{}, err
	}
	return report.Build(out, nil, nil, w.now()), nil
}

// Verify re-runs the consistency checks for a completed run.
func (w *Workflow) Verify(ctx context.Context, runID string) (report.Report, error) {
	out, err := w.Runs.Status(ctx, runID)
	if err != nil {
		return report.Report{}, err
	}
	if out.Status != domain.RunCompleted {
		return report.Report{}, fmt.Errorf("run %s is %s; only completed runs can be verified", out.RunID, out.Status)
	}
	return w.finish(ctx, out, nil)
}

// finish verifies a completed run, builds the report and publishes it. An
// error is returned only when no run could be reported on.
func (w *Workflow) finish(ctx context.Context, out provisioning.Outcome, runErr error) (report.Report, error) {
	if out.RunID == "" {
		if runErr == nil {
			runErr = errors.New("run produced no outcome")
		}
		return report.Report{}, runErr
	}
	log := w.logger().With("run_id", out.RunID)

	var res *verify.Result
	var verifyErr error
	if out.Status == domain.RunCompleted && w.Verifier != nil {
		res, verifyErr = w.verify(ctx, out)
		if verifyErr != nil {
			log.Error("verification failed", "error", verifyErr)
		}
	}

	r := report.Build(out, res, runErr, w.now())
	if verifyErr != nil && r.Failure == nil {
		r.Failure = &report.Failure{Message: "verification: " + verifyErr.Error()}
	}
	if r.Failure != nil {
		log.Error("run did not complete cleanly", "status", string(r.Status), "step", r.Failure.Step, "error_kind", r.Failure.ErrorKind, "error", r.Failure.Message)
	}
	for _, inc := range r.ConsistencyErrors {
		log.Error("inconsistency", "check", inc.Check, "subject", inc.Subject, "expected", inc.Expected, "actual", inc.Actual)
	}

	if w.ReportPath != "" {
		if err := r.WriteFile(w.ReportPath); err != nil {
			log.Warn("report not written", "path", w.ReportPath, "error", err)
		}
	}
	if w.Uploader != nil {
		ctx := context.WithoutCancel(ctx)
		key, err := report.Publish(ctx, w.Uploader, r)
		if err != nil {
			log.Warn("report not published", "error", err)
		} else {
			log.Info("report published", "key", key)
		}
	}
	return r, nil
}

func (w *Workflow) verify(ctx context.Context, out provisioning.Outcome) (*verify.Result, error) {
	exp, err := verify.ExpectationsFromPlan(out.Plan, out.Outputs())
	if err != nil {
		return nil, err
	}
	res, err := w.Verifier.Verify(ctx, exp)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (w *Workflow) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.Logger
}

func (w *Workflow) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}
