// Package verify reads the ledger after a completed run and compares the
// governance wiring and token distribution against what the plan declared.
// Findings are diagnostic: they never change the run status.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/execution/plan"
	"github.com/charity-dao/provisioner/internal/ledger"
)

// Check identifiers.
const (
	CheckDeployerAdmin     = "deployer_admin_renounced"
	CheckGovernorProposer  = "governor_proposer"
	CheckGovernorExecutor  = "governor_executor"
	CheckTokenOwner        = "token_owner"
	CheckTreasuryOwner     = "treasury_owner"
	CheckTotalSupply       = "total_supply"
	CheckMemberBalance     = "member_balance"
	CheckTreasuryRemainder = "treasury_balance"
)

// ConsistencyError is one observed mismatch between ledger state and the plan.
type ConsistencyError struct {
	Check    string `json:"check"`
	Subject  string `json:"subject,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (e ConsistencyError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s(%s): expected %s, got %s", e.Check, e.Subject, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Check, e.Expected, e.Actual)
}

// Funding is the balance a member should hold.
type Funding struct {
	Member string
	Amount *big.Int
}

// Expectations is the post-run state implied by a plan and its outputs.
type Expectations struct {
	Deployer          string
	Token             string
	Timelock          string
	Governor          string
	TotalSupply       *big.Int
	Funding           []Funding
	TreasurySelfOwned bool
}

// ExpectationsFromPlan derives the expected ledger state from the plan steps
// and the addresses recorded for the Create steps.
func ExpectationsFromPlan(p plan.Plan, outputs domain.Outputs) (Expectations, error) {
	exp := Expectations{Deployer: domain.NormalizeAddress(p.Deployer), TotalSupply: new(big.Int)}
	var missing []string
	address := func(step string) string {
		v, ok := outputs.Get(domain.Ref{Step: step, Output: domain.OutputAddress})
		if !ok || v == "" {
			missing = append(missing, step)
		}
		return domain.NormalizeAddress(v)
	}
	exp.Token = address(plan.StepToken)
	exp.Timelock = address(plan.StepTimelock)
	exp.Governor = address(plan.StepGovernor)
	if len(missing) > 0 {
		return Expectations{}, fmt.Errorf("no recorded address for %s", strings.Join(missing, ", "))
	}

	for _, step := range p.Steps {
		switch {
		case step.ID == plan.StepMint:
			amount, err := literalAmount(step, "amount")
			if err != nil {
				return Expectations{}, err
			}
			exp.TotalSupply.Add(exp.TotalSupply, amount)
		case step.Kind == domain.KindTransfer:
			amount, err := literalAmount(step, "amount")
			if err != nil {
				return Expectations{}, err
			}
			to := step.Params["to"]
			if to.IsRef() {
				return Expectations{}, fmt.Errorf("step %s: recipient must be a literal", step.ID)
			}
			exp.Funding = append(exp.Funding, Funding{Member: domain.NormalizeAddress(to.Literal), Amount: amount})
		case step.ID == plan.StepTreasuryOwnership:
			exp.TreasurySelfOwned = true
		}
	}
	return exp, nil
}

func literalAmount(step domain.Step, param string) (*big.Int, error) {
	v := step.Params[param]
	if v.IsRef() {
		return nil, fmt.Errorf("step %s: %s must be a literal", step.ID, param)
	}
	amount, ok := new(big.Int).SetString(v.Literal, 10)
	if !ok {
		return nil, fmt.Errorf("step %s: invalid %s %q", step.ID, param, v.Literal)
	}
	return amount, nil
}

// Result holds the final role state and every mismatch found.
type Result struct {
	Roles           []domain.RoleAssignment
	Inconsistencies []ConsistencyError
}

func (r Result) OK() bool {
	return len(r.Inconsistencies) == 0
}

type Verifier struct {
	q      ledger.Querier
	logger *slog.Logger
}

func New(q ledger.Querier, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Verifier{q: q, logger: logger}
}

// Verify runs every check against exp. A returned error means the ledger could
// not be read; mismatches are reported in Result.Inconsistencies.
func (v *Verifier) Verify(ctx context.Context, exp Expectations) (Result, error) {
	if v.q == nil {
		return Result{}, errors.New("ledger querier is required")
	}
	var res Result
	mismatch := func(check, subject, expected, actual string) {
		res.Inconsistencies = append(res.Inconsistencies, ConsistencyError{Check: check, Subject: subject, Expected: expected, Actual: actual})
		v.logger.Warn("consistency check failed", "check", check, "subject", subject, "expected", expected, "actual", actual)
	}

	roles, err := v.roles(ctx, exp)
	if err != nil {
		return Result{}, err
	}
	res.Roles = roles
	for _, r := range roles {
		switch {
		case r.Role == domain.RoleAdmin && r.Grantee == exp.Deployer && r.Granted:
			mismatch(CheckDeployerAdmin, exp.Deployer, "false", "true")
		case r.Role == domain.RoleProposer && r.Grantee == exp.Governor && !r.Granted:
			mismatch(CheckGovernorProposer, exp.Governor, "true", "false")
		case r.Role == domain.RoleExecutor && r.Grantee == exp.Governor && !r.Granted:
			mismatch(CheckGovernorExecutor, exp.Governor, "true", "false")
		}
	}

	owner, err := v.q.Query(ctx, exp.Token, ledger.ViewOwner)
	if err != nil {
		return Result{}, fmt.Errorf("query token owner: %w", err)
	}
	if !domain.SameAddress(owner, exp.Timelock) {
		mismatch(CheckTokenOwner, exp.Token, exp.Timelock, owner)
	}
	if exp.TreasurySelfOwned {
		owner, err := v.q.Query(ctx, exp.Timelock, ledger.ViewOwner)
		if err != nil {
			return Result{}, fmt.Errorf("query treasury owner: %w", err)
		}
		if !domain.SameAddress(owner, exp.Timelock) {
			mismatch(CheckTreasuryOwner, exp.Timelock, exp.Timelock, owner)
		}
	}

	supply, err := v.amount(ctx, exp.Token, ledger.ViewTotalSupply)
	if err != nil {
		return Result{}, err
	}
	if supply.Cmp(exp.TotalSupply) != 0 {
		mismatch(CheckTotalSupply, exp.Token, exp.TotalSupply.String(), supply.String())
	}

	remainder := new(big.Int).Set(exp.TotalSupply)
	for _, f := range exp.Funding {
		remainder.Sub(remainder, f.Amount)
		have, err := v.amount(ctx, exp.Token, ledger.ViewBalanceOf, f.Member)
		if err != nil {
			return Result{}, err
		}
		if have.Cmp(f.Amount) != 0 {
			mismatch(CheckMemberBalance, f.Member, f.Amount.String(), have.String())
		}
	}
	treasury, err := v.amount(ctx, exp.Token, ledger.ViewBalanceOf, exp.Timelock)
	if err != nil {
		return Result{}, err
	}
	if treasury.Cmp(remainder) != 0 {
		mismatch(CheckTreasuryRemainder, exp.Timelock, remainder.String(), treasury.String())
	}

	v.logger.Info("verification finished", "checks_failed", len(res.Inconsistencies))
	return res, nil
}

// roles reads the admin, proposer and executor roles for the deployer, the
// governor and the timelock itself.
func (v *Verifier) roles(ctx context.Context, exp Expectations) ([]domain.RoleAssignment, error) {
	var out []domain.RoleAssignment
	for _, grantee := range []string{exp.Deployer, exp.Governor, exp.Timelock} {
		for _, role := range []string{domain.RoleAdmin, domain.RoleProposer, domain.RoleExecutor} {
			raw, err := v.q.Query(ctx, exp.Timelock, ledger.ViewHasRole, role, grantee)
			if err != nil {
				return nil, fmt.Errorf("query %s for %s: %w", role, grantee, err)
			}
			granted, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("query %s for %s: %w", role, grantee, err)
			}
			out = append(out, domain.RoleAssignment{Role: role, Grantee: grantee, Granted: granted})
		}
	}
	return out, nil
}

func (v *Verifier) amount(ctx context.Context, address, view string, args ...string) (*big.Int, error) {
	raw, err := v.q.Query(ctx, address, view, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", view, err)
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("query %s: unparseable amount %q", view, raw)
	}
	return n, nil
}
