package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/execution/state"
	"github.com/charity-dao/provisioner/internal/ledger"
	"github.com/charity-dao/provisioner/internal/ledger/simulated"
	"github.com/charity-dao/provisioner/internal/repo"
	"github.com/charity-dao/provisioner/internal/repo/memory"
)

const (
	deployer = "0x00000000000000000000000000000000000000d1"
	memberA  = "0x000000000000000000000000000000000000000a"
	memberB  = "0x000000000000000000000000000000000000000b"
	runID    = "run-1"
)

type harness struct {
	plan    plan.Plan
	ledger  *simulated.Ledger
	journal *memory.Store
	exec    *Executor
	sleeps  []time.Duration
	outputs domain.Outputs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p, err := plan.Build(plan.Config{
		Deployer:              deployer,
		MinDelay:              5,
		VotingPeriod:          75,
		QuorumPercent:         4,
		TotalSupply:           big.NewInt(1000),
		Members:               []string{memberA, memberB},
		PerMemberAmount:       big.NewInt(50),
		TreasurySelfOwnership: true,
	})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	h := &harness{plan: p, ledger: simulated.New(), journal: memory.New(), outputs: domain.Outputs{}}
	h.exec, err = New(h.ledger, h.journal, Options{
		Policy:   DefaultRetryPolicy(),
		Deployer: deployer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return h
}

func (h *harness) run(t *testing.T, id string) Result {
	t.Helper()
	step, ok := h.plan.Step(id)
	if !ok {
		t.Fatalf("unknown step %s", id)
	}
	resolved, err := step.Resolve(h.outputs)
	if err != nil {
		t.Fatalf("Resolve(%s) err=%v", id, err)
	}
	result, err := h.exec.Execute(context.Background(), runID, step, resolved, 0)
	if err != nil {
		t.Fatalf("Execute(%s) err=%v", id, err)
	}
	if result.Status == domain.StepDone {
		h.outputs.Set(id, domain.PrimaryOutput(step.Kind), result.Output)
	}
	return result
}

func (h *harness) runThrough(t *testing.T, last string) {
	t.Helper()
	for _, step := range h.plan.Steps {
		if r := h.run(t, step.ID); r.Status != domain.StepDone {
			t.Fatalf("step %s status=%s err=%v", step.ID, r.Status, r.Err)
		}
		if step.ID == last {
			return
		}
	}
}

func (h *harness) query(t *testing.T, address, view string, args ...string) string {
	t.Helper()
	v, err := h.ledger.Query(context.Background(), address, view, args...)
	if err != nil {
		t.Fatalf("Query(%s) err=%v", view, err)
	}
	return v
}

func (h *harness) address(id string) string {
	v, _ := h.outputs.Get(domain.Ref{Step: id, Output: domain.OutputAddress})
	return v
}

func repoRunning(step string, attempt int) repo.StepAttemptRecord {
	return repo.StepAttemptRecord{RunID: runID, StepID: step, Attempt: attempt, Status: domain.AttemptRunning}
}

func TestBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := policy.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d)=%s, want %s", i+1, got, w)
		}
	}
	if got := policy.Backoff(0); got != 0 {
		t.Fatalf("Backoff(0)=%s, want 0", got)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	bad := []RetryPolicy{
		{MaxAttempts: 0, Multiplier: 2},
		{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 2},
		{MaxAttempts: 1, Multiplier: 0.5},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("policy %d: expected validation error", i)
		}
	}
	if err := DefaultRetryPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t)
	h.runThrough(t, plan.StepRenounceAdmin)

	token, timelock := h.address(plan.StepToken), h.address(plan.StepTimelock)
	if got := h.query(t, token, ledger.ViewBalanceOf, memberA); got != "50" {
		t.Fatalf("balance(A)=%s, want 50", got)
	}
	if got := h.query(t, token, ledger.ViewOwner); got != timelock {
		t.Fatalf("token owner=%s, want timelock", got)
	}
	if got := h.query(t, timelock, ledger.ViewHasRole, domain.RoleAdmin, deployer); got != "false" {
		t.Fatalf("deployer still admin")
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("expected no backoff, got %v", h.sleeps)
	}
}

func TestExecuteTransientThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.runThrough(t, plan.StepMint)
	h.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchStep(plan.FundStepID(memberA)),
		Err:   ledger.Transient("submit", errors.New("nonce too low")),
		Times: 3,
	})

	result := h.run(t, plan.FundStepID(memberA))
	if result.Status != domain.StepDone || result.Attempts != 4 {
		t.Fatalf("expected done after 4 attempts, got %+v", result)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("sleeps=%v, want %v", h.sleeps, want)
	}
	for i := range want {
		if h.sleeps[i] != want[i] {
			t.Fatalf("sleeps=%v, want %v", h.sleeps, want)
		}
	}
	if got := h.query(t, h.address(plan.StepToken), ledger.ViewBalanceOf, memberA); got != "50" {
		t.Fatalf("balance(A)=%s, want 50", got)
	}

	records, _ := h.journal.ListByRun(context.Background(), runID)
	view := state.Index(state.DeriveSteps(h.plan, records))[plan.FundStepID(memberA)]
	if view.Status != domain.StepDone || view.Attempts != 4 || view.ErrorKind != string(ledger.ErrorTransient) {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestExecuteTransientExhausted(t *testing.T) {
	h := newHarness(t)
	h.runThrough(t, plan.StepMint)
	h.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchStep(plan.FundStepID(memberB)),
		Err:   ledger.Transient("submit", errors.New("timeout")),
		Times: 10,
	})

	result := h.run(t, plan.FundStepID(memberB))
	if result.Status != domain.StepFailed || result.Attempts != 4 || result.ErrorKind != ledger.ErrorTransient {
		t.Fatalf("expected failure after 4 attempts, got %+v", result)
	}
	records, _ := h.journal.ListByRun(context.Background(), runID)
	var statuses []domain.AttemptStatus
	for _, r := range records {
		if r.StepID == plan.FundStepID(memberB) {
			statuses = append(statuses, r.Status)
		}
	}
	want := []domain.AttemptStatus{domain.AttemptRetrying, domain.AttemptRetrying, domain.AttemptRetrying, domain.AttemptFailed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses=%v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses=%v, want %v", statuses, want)
		}
	}
}

func TestExecuteRejectedDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.runThrough(t, plan.StepTimelock)
	h.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchContract(domain.ContractGovernor),
		Err:   ledger.Rejected("deploy", "out of gas"),
	})

	result := h.run(t, plan.StepGovernor)
	if result.Status != domain.StepFailed || result.Attempts != 1 || result.ErrorKind != ledger.ErrorRejected {
		t.Fatalf("expected immediate rejection, got %+v", result)
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("rejected steps must not back off")
	}
}

func TestExecuteCrashAfterApplyDoesNotDoubleMint(t *testing.T) {
	h := newHarness(t)
	h.runThrough(t, plan.StepTokenOwnership)
	h.ledger.InjectFault(simulated.Fault{
		Match:      simulated.MatchMethod(ledger.MethodMintTokens),
		Err:        ledger.Transient("submit", errors.New("connection reset")),
		ApplyFirst: true,
	})

	result := h.run(t, plan.StepMint)
	if result.Status != domain.StepDone || !result.Reconciled || result.Attempts != 2 {
		t.Fatalf("expected reconciled mint on attempt 2, got %+v", result)
	}
	if got := h.query(t, h.address(plan.StepToken), ledger.ViewTotalSupply); got != "1000" {
		t.Fatalf("totalSupply=%s, want 1000", got)
	}
	mints := 0
	for _, req := range h.ledger.Applied() {
		if req.Method == ledger.MethodMintTokens {
			mints++
		}
	}
	if mints != 1 {
		t.Fatalf("expected exactly one applied mint, got %d", mints)
	}
}

func TestReconcileRunningAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	step, _ := h.plan.Step(plan.StepToken)
	resolved, _ := step.Resolve(h.outputs)

	// Simulate a process that journaled and submitted, then died.
	if _, _, err := h.journal.BeginAttempt(ctx, repoRunning(step.ID, 1)); err != nil {
		t.Fatalf("BeginAttempt() err=%v", err)
	}
	req, _ := BuildRequest(runID, step, resolved, deployer)
	receipt, err := h.ledger.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}

	result, err := h.exec.Reconcile(ctx, runID, step, resolved, 1)
	if err != nil {
		t.Fatalf("Reconcile() err=%v", err)
	}
	if result.Status != domain.StepDone || result.Output != receipt.Output {
		t.Fatalf("expected reconciled address %s, got %+v", receipt.Output, result)
	}
}

func TestReconcileRunningAttemptWithoutEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	step, _ := h.plan.Step(plan.StepToken)
	resolved, _ := step.Resolve(h.outputs)
	if _, _, err := h.journal.BeginAttempt(ctx, repoRunning(step.ID, 1)); err != nil {
		t.Fatalf("BeginAttempt() err=%v", err)
	}

	result, err := h.exec.Reconcile(ctx, runID, step, resolved, 1)
	if err != nil {
		t.Fatalf("Reconcile() err=%v", err)
	}
	if result.Status != domain.StepPending {
		t.Fatalf("expected pending, got %+v", result)
	}

	next, err := h.exec.Execute(ctx, runID, step, resolved, result.Attempts)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if next.Status != domain.StepDone || next.Attempts != 2 {
		t.Fatalf("expected done on attempt 2, got %+v", next)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	h.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchContract(domain.ContractToken),
		Err:   ledger.Transient("submit", errors.New("timeout")),
	})
	step, _ := h.plan.Step(plan.StepToken)
	resolved, _ := step.Resolve(h.outputs)

	result, err := h.exec.Execute(ctx, runID, step, resolved, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Status != domain.StepPending || result.Attempts != 1 {
		t.Fatalf("expected pending after one attempt, got %+v", result)
	}
}

func TestBuildRequestMapsRoles(t *testing.T) {
	step := domain.Step{
		ID:     "renounce",
		Kind:   domain.KindRenounceRole,
		Target: domain.AddressOf("timelock"),
		Params: map[string]domain.Value{"role": domain.Lit(domain.RoleAdmin), "holder": domain.Lit(deployer)},
	}
	req, err := BuildRequest(runID, step, domain.Resolved{Target: "0xtl", Params: map[string]string{"role": domain.RoleAdmin, "holder": deployer}}, deployer)
	if err != nil {
		t.Fatalf("BuildRequest() err=%v", err)
	}
	if req.Method != ledger.MethodRenounceRole || req.Args["account"] != deployer || req.Target != "0xtl" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.IdempotencyKey != "run-1/renounce" {
		t.Fatalf("idempotency key=%s", req.IdempotencyKey)
	}
}
