package plan

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/charity-dao/provisioner/internal/domain"
)

// CurrentVersion is bumped whenever the step sequence produced by Build changes.
const CurrentVersion = 1

// Fixed step ids.
const (
	StepToken             = "token"
	StepTimelock          = "timelock"
	StepGovernor          = "governor"
	StepTokenOwnership    = "token-ownership"
	StepMint              = "mint"
	StepTreasuryOwnership = "treasury-ownership"
	StepGrantProposer     = "grant-proposer"
	StepGrantExecutor     = "grant-executor"
	StepRenounceAdmin     = "renounce-admin"

	fundPrefix = "fund/"
)

// FundStepID names the transfer step funding member.
func FundStepID(member string) string {
	return fundPrefix + domain.NormalizeAddress(member)
}

// IsFundStep reports whether id was produced by FundStepID.
func IsFundStep(id string) bool {
	return strings.HasPrefix(id, fundPrefix)
}

// Plan is the ordered step list for one provisioning run. Steps are stored in
// declaration order and every reference points at an earlier step.
type Plan struct {
	Version  int
	Deployer string
	Steps    []domain.Step
}

// Index maps step id to its position.
func (p Plan) Index() map[string]int {
	out := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		out[step.ID] = i
	}
	return out
}

func (p Plan) Step(id string) (domain.Step, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return domain.Step{}, false
}

// Config is the governance and distribution input of a plan. Amounts are in
// base units.
type Config struct {
	Deployer              string
	MinDelay              uint64
	VotingDelay           uint64
	VotingPeriod          uint64
	ProposalThreshold     uint64
	QuorumPercent         uint64
	TotalSupply           *big.Int
	Members               []string
	PerMemberAmount       *big.Int
	TreasurySelfOwnership bool
}

// Distributed returns len(members) * perMemberAmount.
func (c Config) Distributed() *big.Int {
	if c.PerMemberAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(c.PerMemberAmount, big.NewInt(int64(len(c.Members))))
}

func (c Config) Validate() error {
	errs := &ReferenceError{}
	if !domain.IsAddress(c.Deployer) {
		errs.Add(fmt.Sprintf("deployer %q is not an address", c.Deployer))
	}
	if len(c.Members) == 0 {
		errs.Add("at least one member is required")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for i, member := range c.Members {
		if !domain.IsAddress(member) {
			errs.Add(fmt.Sprintf("members[%d] %q is not an address", i, member))
			continue
		}
		key := domain.NormalizeAddress(member)
		if _, dup := seen[key]; dup {
			errs.Add(fmt.Sprintf("members[%d] %s is duplicated", i, member))
		}
		seen[key] = struct{}{}
	}
	if c.TotalSupply == nil || c.TotalSupply.Sign() <= 0 {
		errs.Add("totalSupply must be positive")
	}
	if c.PerMemberAmount == nil || c.PerMemberAmount.Sign() <= 0 {
		errs.Add("perMemberAmount must be positive")
	}
	if c.TotalSupply != nil && c.PerMemberAmount != nil && c.Distributed().Cmp(c.TotalSupply) > 0 {
		errs.Add(fmt.Sprintf("members * perMemberAmount (%s) exceeds totalSupply (%s)", c.Distributed(), c.TotalSupply))
	}
	if c.QuorumPercent > 100 {
		errs.Add("quorumPercent must be within 0..100")
	}
	if c.VotingPeriod == 0 {
		errs.Add("votingPeriod must be positive")
	}
	return errs.OrNil()
}

// Build produces the provisioning plan for cfg: token, timelock and governor
// creation, treasury wiring, member funding, role grants, and finally the
// deployer renouncing its admin role on the timelock.
func Build(cfg Config) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	deployer := domain.NormalizeAddress(cfg.Deployer)
	num := func(v uint64) domain.Value { return domain.Lit(strconv.FormatUint(v, 10)) }
	timelock := domain.AddressOf(StepTimelock)

	steps := []domain.Step{
		{
			ID:   StepToken,
			Kind: domain.KindCreate,
			Params: map[string]domain.Value{
				"contract": domain.Lit(domain.ContractToken),
				"owner":    domain.Lit(deployer),
			},
		},
		{
			ID:   StepTimelock,
			Kind: domain.KindCreate,
			Params: map[string]domain.Value{
				"contract":      domain.Lit(domain.ContractTimelock),
				"minDelay":      num(cfg.MinDelay),
				"proposers":     domain.Lit(""),
				"executors":     domain.Lit(""),
				"admin":         domain.Lit(deployer),
				"treasuryOwner": domain.Lit(deployer),
				"token":         domain.AddressOf(StepToken),
			},
		},
		{
			ID:   StepGovernor,
			Kind: domain.KindCreate,
			Params: map[string]domain.Value{
				"contract":          domain.Lit(domain.ContractGovernor),
				"token":             domain.AddressOf(StepToken),
				"timelock":          timelock,
				"votingDelay":       num(cfg.VotingDelay),
				"votingPeriod":      num(cfg.VotingPeriod),
				"proposalThreshold": num(cfg.ProposalThreshold),
				"quorumPercent":     num(cfg.QuorumPercent),
			},
		},
		{
			ID:     StepTokenOwnership,
			Kind:   domain.KindTransferOwnership,
			Target: domain.AddressOf(StepToken),
			Params: map[string]domain.Value{"newOwner": timelock},
		},
		{
			ID:     StepMint,
			Kind:   domain.KindMint,
			Target: timelock,
			Params: map[string]domain.Value{"amount": domain.Lit(cfg.TotalSupply.String())},
			After:  []string{StepTokenOwnership},
		},
	}

	funded := make([]string, 0, len(cfg.Members))
	for _, member := range cfg.Members {
		id := FundStepID(member)
		funded = append(funded, id)
		steps = append(steps, domain.Step{
			ID:     id,
			Kind:   domain.KindTransfer,
			Target: timelock,
			Params: map[string]domain.Value{
				"to":     domain.Lit(domain.NormalizeAddress(member)),
				"amount": domain.Lit(cfg.PerMemberAmount.String()),
			},
			After: []string{StepMint},
		})
	}

	if cfg.TreasurySelfOwnership {
		steps = append(steps, domain.Step{
			ID:     StepTreasuryOwnership,
			Kind:   domain.KindTransferOwnership,
			Target: timelock,
			Params: map[string]domain.Value{"newOwner": timelock},
			After:  funded,
		})
	}

	for _, grant := range []struct{ id, role string }{
		{StepGrantProposer, domain.RoleProposer},
		{StepGrantExecutor, domain.RoleExecutor},
	} {
		steps = append(steps, domain.Step{
			ID:     grant.id,
			Kind:   domain.KindGrantRole,
			Target: timelock,
			Params: map[string]domain.Value{
				"role":    domain.Lit(grant.role),
				"grantee": domain.AddressOf(StepGovernor),
			},
		})
	}

	all := make([]string, 0, len(steps))
	for _, step := range steps {
		all = append(all, step.ID)
	}
	steps = append(steps, domain.Step{
		ID:     StepRenounceAdmin,
		Kind:   domain.KindRenounceRole,
		Target: timelock,
		Params: map[string]domain.Value{
			"role":   domain.Lit(domain.RoleAdmin),
			"holder": domain.Lit(deployer),
		},
		After: all,
	})

	p := Plan{Version: CurrentVersion, Deployer: deployer, Steps: steps}
	if err := Validate(p); err != nil {
		return Plan{}, err
	}
	return p, nil
}
