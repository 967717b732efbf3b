package domain

import (
	"fmt"
	"sort"
	"strings"
)

// StepKind tags a provisioning step with its fixed parameter schema.
type StepKind string

const (
	KindCreate            StepKind = "create"
	KindMint              StepKind = "mint"
	KindTransfer          StepKind = "transfer"
	KindGrantRole         StepKind = "grant_role"
	KindRevokeRole        StepKind = "revoke_role"
	KindRenounceRole      StepKind = "renounce_role"
	KindTransferOwnership StepKind = "transfer_ownership"
)

// Contract types a Create step can deploy.
const (
	ContractToken    = "token"
	ContractTimelock = "timelock"
	ContractGovernor = "governor"
)

// Step outputs.
const (
	OutputAddress = "address"
	OutputTx      = "tx"
)

// StepStatus is the derived status of a step within a run.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// Ref points at a named output of an earlier step.
type Ref struct {
	Step   string `json:"step"`
	Output string `json:"output"`
}

// Value is either a literal or a reference to another step's output.
type Value struct {
	Literal string `json:"literal,omitempty"`
	Ref     *Ref   `json:"ref,omitempty"`
}

func Lit(v string) Value {
	return Value{Literal: v}
}

func AddressOf(step string) Value {
	return Value{Ref: &Ref{Step: step, Output: OutputAddress}}
}

func (v Value) IsRef() bool {
	return v.Ref != nil
}

func (v Value) IsZero() bool {
	return v.Ref == nil && v.Literal == ""
}

func (v Value) String() string {
	if v.Ref != nil {
		return fmt.Sprintf("${%s.%s}", v.Ref.Step, v.Ref.Output)
	}
	return v.Literal
}

// Step is one unit of the provisioning plan.
type Step struct {
	ID     string           `json:"id"`
	Kind   StepKind         `json:"kind"`
	Target Value            `json:"target"`
	Params map[string]Value `json:"params"`
	// After lists steps that must be Done first without passing data.
	After []string `json:"after,omitempty"`
}

// References returns the step ids this step reads outputs from.
func (s Step) References() []Ref {
	var refs []Ref
	if s.Target.Ref != nil {
		refs = append(refs, *s.Target.Ref)
	}
	for _, name := range sortedKeys(s.Params) {
		if v := s.Params[name]; v.Ref != nil {
			refs = append(refs, *v.Ref)
		}
	}
	return refs
}

// Dependencies returns every step id that must be Done before s may start.
func (s Step) Dependencies() []string {
	seen := make(map[string]struct{})
	for _, ref := range s.References() {
		seen[ref.Step] = struct{}{}
	}
	for _, id := range s.After {
		if strings.TrimSpace(id) == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Contract returns the contract type of a Create step.
func (s Step) Contract() string {
	if s.Kind != KindCreate {
		return ""
	}
	return s.Params["contract"].Literal
}

// Outputs maps step id to its named outputs.
type Outputs map[string]map[string]string

func (o Outputs) Set(step, name, value string) {
	if o[step] == nil {
		o[step] = make(map[string]string)
	}
	o[step][name] = value
}

func (o Outputs) Get(ref Ref) (string, bool) {
	values, ok := o[ref.Step]
	if !ok {
		return "", false
	}
	v, ok := values[ref.Output]
	return v, ok
}

// Resolved is a step with every reference replaced by a concrete value.
type Resolved struct {
	Target string
	Params map[string]string
}

// Resolve substitutes outputs of completed steps into s.
func (s Step) Resolve(outputs Outputs) (Resolved, error) {
	resolve := func(field string, v Value) (string, error) {
		if v.Ref == nil {
			return v.Literal, nil
		}
		value, ok := outputs.Get(*v.Ref)
		if !ok || value == "" {
			return "", fmt.Errorf("step %s: %s references %s before it has an output", s.ID, field, v)
		}
		return value, nil
	}

	target, err := resolve("target", s.Target)
	if err != nil {
		return Resolved{}, err
	}
	params := make(map[string]string, len(s.Params))
	for _, name := range sortedKeys(s.Params) {
		value, err := resolve(name, s.Params[name])
		if err != nil {
			return Resolved{}, err
		}
		params[name] = value
	}
	return Resolved{Target: target, Params: params}, nil
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
