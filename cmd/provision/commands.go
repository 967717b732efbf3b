package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/charity-dao/provisioner/internal/app"
	"github.com/charity-dao/provisioner/internal/config"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/report"
)

type options struct {
	configPath    string
	runID         string
	maxParallel   int
	reportPath    string
	fromPersisted bool
}

func newRootCmd(rt config.Runtime, logger *slog.Logger, stdout io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "provision",
		Short:         "Provision the DAO token, treasury and governor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "provision.yaml", "plan file")
	root.PersistentFlags().StringVar(&opts.reportPath, "report", rt.ReportPath, "also write the run report to this file")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate the plan file and print the resulting steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPlan(opts.configPath)
			if err != nil {
				return err
			}
			return printPlan(stdout, p)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new provisioning run and drive it to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPlan(opts.configPath)
			if err != nil {
				return err
			}
			return withWorkflow(cmd.Context(), rt, logger, p.Deployer, opts, func(ctx context.Context, w *app.Workflow) (report.Report, error) {
				return w.Provision(ctx, p)
			}, stdout)
		},
	}
	runCmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "override PROVISION_MAX_PARALLEL")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted or halted run from its last confirmed step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := openDeps(ctx, rt, logger)
			if err != nil {
				return err
			}
			defer d.close()
			runID, persisted, err := d.persistedPlan(ctx, opts.runID)
			if err != nil {
				return err
			}
			var expect *plan.Plan
			if !opts.fromPersisted {
				p, err := loadPlan(opts.configPath)
				if err != nil {
					return err
				}
				expect = &p
			}
			w, err := d.workflow(persisted.Deployer, opts.maxParallel, opts.reportPath)
			if err != nil {
				return err
			}
			r, err := w.Resume(ctx, runID, expect)
			return emit(stdout, r, err)
		},
	}
	resumeCmd.Flags().StringVar(&opts.runID, "run-id", "", "run to resume (default: latest)")
	resumeCmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "override PROVISION_MAX_PARALLEL")
	resumeCmd.Flags().BoolVar(&opts.fromPersisted, "from-persisted", false, "resume the stored plan without comparing it to the plan file")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the derived state of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPersisted(cmd.Context(), rt, logger, opts, stdout, func(ctx context.Context, w *app.Workflow, runID string) (report.Report, error) {
				return w.Status(ctx, runID)
			})
		},
	}
	statusCmd.Flags().StringVar(&opts.runID, "run-id", "", "run to inspect (default: latest)")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check ledger state for a completed run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPersisted(cmd.Context(), rt, logger, opts, stdout, func(ctx context.Context, w *app.Workflow, runID string) (report.Report, error) {
				return w.Verify(ctx, runID)
			})
		},
	}
	verifyCmd.Flags().StringVar(&opts.runID, "run-id", "", "run to verify (default: latest)")

	root.AddCommand(planCmd, runCmd, resumeCmd, statusCmd, verifyCmd)
	return root
}

func loadPlan(path string) (plan.Plan, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return plan.Plan{}, err
	}
	return plan.Build(cfg)
}

func withWorkflow(ctx context.Context, rt config.Runtime, logger *slog.Logger, deployer string, opts *options, fn func(context.Context, *app.Workflow) (report.Report, error), stdout io.Writer) error {
	d, err := openDeps(ctx, rt, logger)
	if err != nil {
		return err
	}
	defer d.close()
	w, err := d.workflow(deployer, opts.maxParallel, opts.reportPath)
	if err != nil {
		return err
	}
	r, err := fn(ctx, w)
	return emit(stdout, r, err)
}

// withPersisted runs fn against the run selected by --run-id, using the
// deployer recorded with that run.
func withPersisted(ctx context.Context, rt config.Runtime, logger *slog.Logger, opts *options, stdout io.Writer, fn func(context.Context, *app.Workflow, string) (report.Report, error)) error {
	d, err := openDeps(ctx, rt, logger)
	if err != nil {
		return err
	}
	defer d.close()
	runID, p, err := d.persistedPlan(ctx, opts.runID)
	if err != nil {
		return err
	}
	w, err := d.workflow(p.Deployer, 0, opts.reportPath)
	if err != nil {
		return err
	}
	r, err := fn(ctx, w, runID)
	return emit(stdout, r, err)
}

// emit prints r and converts its outcome into the process exit code.
func emit(stdout io.Writer, r report.Report, err error) error {
	if err != nil {
		return err
	}
	if werr := r.Write(stdout); werr != nil {
		return fmt.Errorf("print report: %w", werr)
	}
	if code := r.ExitCode(); code != report.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

type planStep struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Target string            `json:"target,omitempty"`
	Params map[string]string `json:"params"`
	After  []string          `json:"after,omitempty"`
}

func printPlan(w io.Writer, p plan.Plan) error {
	hash, err := plan.Hash(p)
	if err != nil {
		return err
	}
	layers, err := plan.Layers(p)
	if err != nil {
		return err
	}
	steps := make([]planStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		params := make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			params[k] = v.String()
		}
		steps = append(steps, planStep{ID: s.ID, Kind: string(s.Kind), Target: s.Target.String(), Params: params, After: s.After})
	}
	out := struct {
		Version  int        `json:"version"`
		Hash     string     `json:"hash"`
		Deployer string     `json:"deployer"`
		Steps    []planStep `json:"steps"`
		Layers   [][]string `json:"layers"`
	}{p.Version, hash, p.Deployer, steps, layers}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("print plan: %w", err)
	}
	return nil
}
