// Package report renders the outcome of a provisioning run for operators and
// publishes it to the report bucket.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/service/provisioning"
	"github.com/charity-dao/provisioner/internal/verify"
)

const SchemaV1 = "provisioner.run_report.v1"

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitInvalid = 2
)

// Failure describes why a run did not complete.
type Failure struct {
	Step      string `json:"step,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message"`
}

type Step struct {
	ID        string            `json:"id"`
	Kind      domain.StepKind   `json:"kind"`
	Status    domain.StepStatus `json:"status"`
	Attempts  int               `json:"attempts"`
	Output    string            `json:"output,omitempty"`
	ErrorKind string            `json:"errorKind,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

type Report struct {
	Schema            string                    `json:"schema"`
	RunID             string                    `json:"runId"`
	PlanHash          string                    `json:"planHash"`
	Status            domain.RunStatus          `json:"status"`
	TokenAddress      string                    `json:"tokenAddress,omitempty"`
	TimelockAddress   string                    `json:"timelockAddress,omitempty"`
	GovernorAddress   string                    `json:"governorAddress,omitempty"`
	FinalRoleState    []domain.RoleAssignment   `json:"finalRoleState"`
	ConsistencyErrors []verify.ConsistencyError `json:"consistencyErrors"`
	Verified          bool                      `json:"verified"`
	Failure           *Failure                  `json:"failure,omitempty"`
	Steps             []Step                    `json:"steps"`
	GeneratedAt       time.Time                 `json:"generatedAt"`
}

// Build assembles a report from a run outcome. res is nil when verification
// did not run; runErr is the error returned alongside the outcome, if any.
func Build(out provisioning.Outcome, res *verify.Result, runErr error, now time.Time) Report {
	r := Report{
		Schema:            SchemaV1,
		RunID:             out.RunID,
		PlanHash:          out.PlanHash,
		Status:            out.Status,
		FinalRoleState:    []domain.RoleAssignment{},
		ConsistencyErrors: []verify.ConsistencyError{},
		Steps:             make([]Step, 0, len(out.Steps)),
		GeneratedAt:       now.UTC(),
	}

	outputs := out.Outputs()
	address := func(step string) string {
		v, _ := outputs.Get(domain.Ref{Step: step, Output: domain.OutputAddress})
		return v
	}
	r.TokenAddress = address(plan.StepToken)
	r.TimelockAddress = address(plan.StepTimelock)
	r.GovernorAddress = address(plan.StepGovernor)

	for _, v := range out.Steps {
		r.Steps = append(r.Steps, Step{
			ID:        v.ID,
			Kind:      v.Kind,
			Status:    v.Status,
			Attempts:  v.Attempts,
			Output:    v.Output,
			ErrorKind: v.ErrorKind,
			LastError: v.LastError,
		})
	}

	if res != nil {
		r.Verified = true
		if res.Roles != nil {
			r.FinalRoleState = res.Roles
		}
		if res.Inconsistencies != nil {
			r.ConsistencyErrors = res.Inconsistencies
		}
	}

	var halt *provisioning.HaltError
	switch {
	case out.Halt != nil:
		r.Failure = failureFromHalt(out.Halt)
	case errors.As(runErr, &halt):
		r.Failure = failureFromHalt(halt)
	case runErr != nil && !errors.Is(runErr, provisioning.ErrRunCompleted):
		r.Failure = &Failure{Message: runErr.Error()}
	}
	return r
}

func failureFromHalt(h *provisioning.HaltError) *Failure {
	f := &Failure{Step: h.StepID, Attempts: h.Attempts, ErrorKind: string(h.Kind)}
	if h.Err != nil {
		f.Message = h.Err.Error()
	} else {
		f.Message = h.Error()
	}
	return f
}

// ExitCode is 0 only for a completed run without inconsistencies.
func (r Report) ExitCode() int {
	if r.Status == domain.RunCompleted && len(r.ConsistencyErrors) == 0 && r.Failure == nil {
		return ExitOK
	}
	return ExitFailed
}

func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Write renders r as indented JSON to w.
func (r Report) Write(w io.Writer) error {
	raw, err := r.JSON()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

// WriteFile writes r to path, replacing any earlier report atomically.
func (r Report) WriteFile(path string) error {
	raw, err := r.JSON()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Uploader stores report objects; objectstore.MinioStore implements it.
type Uploader interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (string, error)
}

// Publish uploads r as <runId>.json and returns the object key.
func Publish(ctx context.Context, u Uploader, r Report) (string, error) {
	if u == nil {
		return "", errors.New("uploader is required")
	}
	if r.RunID == "" {
		return "", errors.New("report has no run id")
	}
	raw, err := r.JSON()
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key, err := u.Put(ctx, r.RunID+".json", bytes.NewReader(raw), int64(len(raw)), "application/json")
	if err != nil {
		return "", fmt.Errorf("publish report %s: %w", r.RunID, err)
	}
	return key, nil
}
