package app

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/executor"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/ledger"
	"github.com/charity-dao/provisioner/internal/ledger/simulated"
	"github.com/charity-dao/provisioner/internal/repo/memory"
	"github.com/charity-dao/provisioner/internal/report"
	"github.com/charity-dao/provisioner/internal/service/provisioning"
	"github.com/charity-dao/provisioner/internal/verify"
)

const (
	deployer = "0x00000000000000000000000000000000000000d1"
	memberA  = "0x000000000000000000000000000000000000000a"
	memberB  = "0x000000000000000000000000000000000000000b"
)

type verifierSpy struct {
	next  Verifier
	calls int
}

func (v *verifierSpy) Verify(ctx context.Context, exp verify.Expectations) (verify.Result, error) {
	v.calls++
	return v.next.Verify(ctx, exp)
}

type fixture struct {
	plan     plan.Plan
	ledger   *simulated.Ledger
	verifier *verifierSpy
	workflow *Workflow
}

func newFixture(t *testing.T) *fixture {
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
	require.NoError(t, err)

	l := simulated.New()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec, err := executor.New(l, store, executor.Options{
		Policy:   executor.DefaultRetryPolicy(),
		Deployer: deployer,
		Logger:   logger,
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)
	svc, err := provisioning.New(store, exec, provisioning.Options{MaxParallel: 1, Logger: logger})
	require.NoError(t, err)

	spy := &verifierSpy{next: verify.New(l, logger)}
	return &fixture{
		plan:     p,
		ledger:   l,
		verifier: spy,
		workflow: &Workflow{Runs: svc, Verifier: spy, Logger: logger},
	}
}

func TestProvisionHappyPath(t *testing.T) {
	f := newFixture(t)
	r, err := f.workflow.Provision(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, r.Status)
	assert.Equal(t, 1, f.verifier.calls)
	assert.True(t, r.Verified)
	assert.Empty(t, r.ConsistencyErrors)
	assert.NotEmpty(t, r.TokenAddress)
	assert.NotEmpty(t, r.TimelockAddress)
	assert.NotEmpty(t, r.GovernorAddress)
	assert.Equal(t, report.ExitOK, r.ExitCode())
}

func TestProvisionHaltSkipsVerification(t *testing.T) {
	f := newFixture(t)
	f.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchContract(domain.ContractGovernor),
		Err:   ledger.Rejected("deploy", "invalid quorum"),
	})

	r, err := f.workflow.Provision(context.Background(), f.plan)
	require.NoError(t, err)
	assert.Equal(t, domain.RunHalted, r.Status)
	assert.Zero(t, f.verifier.calls)
	assert.False(t, r.Verified)
	require.NotNil(t, r.Failure)
	assert.Equal(t, plan.StepGovernor, r.Failure.Step)
	assert.Equal(t, string(ledger.ErrorRejected), r.Failure.ErrorKind)
	assert.Equal(t, report.ExitFailed, r.ExitCode())

	resumed, err := f.workflow.Resume(context.Background(), r.RunID, &f.plan)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, resumed.Status)
	assert.Equal(t, 1, f.verifier.calls)
	assert.Equal(t, report.ExitOK, resumed.ExitCode())
}

func TestProvisionInvalidPlan(t *testing.T) {
	f := newFixture(t)
	bad := f.plan
	bad.Deployer = ""
	_, err := f.workflow.Provision(context.Background(), bad)
	var refErr *plan.ReferenceError
	require.ErrorAs(t, err, &refErr)
}

func TestVerifyRequiresCompletedRun(t *testing.T) {
	f := newFixture(t)
	f.ledger.InjectFault(simulated.Fault{
		Match: simulated.MatchContract(domain.ContractToken),
		Err:   ledger.Rejected("deploy", "out of gas"),
	})
	r, err := f.workflow.Provision(context.Background(), f.plan)
	require.NoError(t, err)

	_, err = f.workflow.Verify(context.Background(), r.RunID)
	require.Error(t, err)

	status, err := f.workflow.Status(context.Background(), r.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunHalted, status.Status)
	assert.False(t, status.Verified)
}

func TestResumeCompletedRunReverifies(t *testing.T) {
	f := newFixture(t)
	r, err := f.workflow.Provision(context.Background(), f.plan)
	require.NoError(t, err)

	again, err := f.workflow.Resume(context.Background(), r.RunID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, again.Status)
	assert.Nil(t, again.Failure)
	assert.Equal(t, 2, f.verifier.calls)
}
