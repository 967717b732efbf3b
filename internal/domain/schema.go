package domain

// KindSchema lists the parameters a step kind accepts.
type KindSchema struct {
	Required    []string
	NeedsTarget bool
	Outputs     []string
	// AdminAuthority marks kinds that only a DEFAULT_ADMIN_ROLE holder may run.
	AdminAuthority bool
}

var kindSchemas = map[StepKind]KindSchema{
	KindCreate:            {Required: []string{"contract"}, Outputs: []string{OutputAddress}},
	KindMint:              {Required: []string{"amount"}, NeedsTarget: true, Outputs: []string{OutputTx}},
	KindTransfer:          {Required: []string{"to", "amount"}, NeedsTarget: true, Outputs: []string{OutputTx}},
	KindGrantRole:         {Required: []string{"role", "grantee"}, NeedsTarget: true, Outputs: []string{OutputTx}, AdminAuthority: true},
	KindRevokeRole:        {Required: []string{"role", "grantee"}, NeedsTarget: true, Outputs: []string{OutputTx}, AdminAuthority: true},
	KindRenounceRole:      {Required: []string{"role", "holder"}, NeedsTarget: true, Outputs: []string{OutputTx}},
	KindTransferOwnership: {Required: []string{"newOwner"}, NeedsTarget: true, Outputs: []string{OutputTx}},
}

// contractParams lists the constructor parameters per deployable contract.
var contractParams = map[string][]string{
	ContractToken:    {"owner"},
	ContractTimelock: {"minDelay", "proposers", "executors", "admin", "treasuryOwner", "token"},
	ContractGovernor: {"token", "timelock", "votingDelay", "votingPeriod", "proposalThreshold", "quorumPercent"},
}

func SchemaFor(kind StepKind) (KindSchema, bool) {
	s, ok := kindSchemas[kind]
	return s, ok
}

// ContractParams returns the constructor parameters of a contract type.
func ContractParams(contract string) ([]string, bool) {
	params, ok := contractParams[contract]
	return params, ok
}

// AllowedParams returns the complete parameter set for a step.
func AllowedParams(step Step) map[string]bool {
	schema, ok := SchemaFor(step.Kind)
	if !ok {
		return nil
	}
	allowed := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		allowed[name] = true
	}
	if step.Kind == KindCreate {
		extra, _ := ContractParams(step.Contract())
		for _, name := range extra {
			allowed[name] = true
		}
	}
	return allowed
}

// RequiredParams returns the parameters that must be present for a step.
// Every constructor parameter of a Create step is required, though literal
// list parameters may be empty.
func RequiredParams(step Step) []string {
	schema, ok := SchemaFor(step.Kind)
	if !ok {
		return nil
	}
	out := append([]string(nil), schema.Required...)
	if step.Kind == KindCreate {
		extra, _ := ContractParams(step.Contract())
		out = append(out, extra...)
	}
	return out
}

// ListParams are encoded as comma separated literals and may be empty.
var ListParams = map[string]bool{"proposers": true, "executors": true}

// PrimaryOutput names the single output a successful attempt records.
func PrimaryOutput(kind StepKind) string {
	if kind == KindCreate {
		return OutputAddress
	}
	return OutputTx
}
