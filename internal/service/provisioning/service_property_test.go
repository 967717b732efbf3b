package provisioning

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/executor"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/ledger/simulated"
	"github.com/charity-dao/provisioner/internal/repo/memory"
)

// Every launched step had all of its dependencies Done, the admin renouncement
// runs last, and concurrency never exceeds the configured limit.
func TestDriveOrderingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("steps start only after their dependencies", prop.ForAll(
		func(members, limit int) string {
			cfg := plan.Config{
				Deployer:              deployer,
				MinDelay:              5,
				VotingPeriod:          75,
				QuorumPercent:         4,
				PerMemberAmount:       big.NewInt(50),
				TreasurySelfOwnership: members%2 == 0,
			}
			for i := 0; i < members; i++ {
				cfg.Members = append(cfg.Members, fmt.Sprintf("0x%040x", i+1))
			}
			cfg.TotalSupply = new(big.Int).Add(cfg.Distributed(), big.NewInt(100))
			p, err := plan.Build(cfg)
			if err != nil {
				return err.Error()
			}

			l := simulated.New()
			l.SetLatency(time.Millisecond)
			store := memory.New()
			exec, err := executor.New(l, store, executor.Options{Policy: executor.DefaultRetryPolicy(), Deployer: deployer})
			if err != nil {
				return err.Error()
			}
			check := &orderCheck{next: exec, done: map[string]bool{}}
			svc, err := New(store, check, Options{MaxParallel: limit, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
			if err != nil {
				return err.Error()
			}
			out, err := svc.Start(context.Background(), p)
			switch {
			case err != nil:
				return err.Error()
			case out.Status != domain.RunCompleted:
				return "status " + string(out.Status)
			case len(check.violations) > 0:
				return fmt.Sprint(check.violations)
			case len(check.order) != len(p.Steps):
				return fmt.Sprintf("launched %d of %d steps", len(check.order), len(p.Steps))
			case check.order[len(check.order)-1] != plan.StepRenounceAdmin:
				return "renounce not last: " + check.order[len(check.order)-1]
			case l.MaxInflight() > limit:
				return fmt.Sprintf("inflight %d > %d", l.MaxInflight(), limit)
			}
			return ""
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
