package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/charity-dao/provisioner/internal/domain"
)

// Marshal serializes a plan with stable field names and key order.
func Marshal(p Plan) ([]byte, error) {
	payload := planPayload{
		Version:  p.Version,
		Deployer: p.Deployer,
		Steps:    make([]stepPayload, 0, len(p.Steps)),
	}
	for _, step := range p.Steps {
		sp := stepPayload{
			ID:     step.ID,
			Kind:   string(step.Kind),
			Params: make(map[string]valuePayload, len(step.Params)),
			After:  append([]string(nil), step.After...),
		}
		if !step.Target.IsZero() {
			target := valuePayloadFromDomain(step.Target)
			sp.Target = &target
		}
		for name, v := range step.Params {
			sp.Params[name] = valuePayloadFromDomain(v)
		}
		payload.Steps = append(payload.Steps, sp)
	}
	return json.Marshal(payload)
}

// Unmarshal parses a persisted plan. Callers validate the result.
func Unmarshal(raw []byte) (Plan, error) {
	var payload planPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	steps := make([]domain.Step, 0, len(payload.Steps))
	for _, sp := range payload.Steps {
		step := domain.Step{
			ID:     sp.ID,
			Kind:   domain.StepKind(sp.Kind),
			Params: make(map[string]domain.Value, len(sp.Params)),
			After:  sp.After,
		}
		if sp.Target != nil {
			step.Target = sp.Target.toDomain()
		}
		for name, v := range sp.Params {
			step.Params[name] = v.toDomain()
		}
		steps = append(steps, step)
	}
	return Plan{Version: payload.Version, Deployer: payload.Deployer, Steps: steps}, nil
}

// Hash is the hex sha256 of the canonical encoding.
func Hash(p Plan) (string, error) {
	raw, err := Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type planPayload struct {
	Version  int           `json:"version"`
	Deployer string        `json:"deployer"`
	Steps    []stepPayload `json:"steps"`
}

type stepPayload struct {
	ID     string                  `json:"id"`
	Kind   string                  `json:"kind"`
	Target *valuePayload           `json:"target,omitempty"`
	Params map[string]valuePayload `json:"params"`
	After  []string                `json:"after,omitempty"`
}

type valuePayload struct {
	Literal *string     `json:"literal,omitempty"`
	Ref     *refPayload `json:"ref,omitempty"`
}

type refPayload struct {
	Step   string `json:"step"`
	Output string `json:"output"`
}

func valuePayloadFromDomain(v domain.Value) valuePayload {
	if v.Ref != nil {
		return valuePayload{Ref: &refPayload{Step: v.Ref.Step, Output: v.Ref.Output}}
	}
	literal := v.Literal
	return valuePayload{Literal: &literal}
}

func (v valuePayload) toDomain() domain.Value {
	if v.Ref != nil {
		return domain.Value{Ref: &domain.Ref{Step: v.Ref.Step, Output: v.Ref.Output}}
	}
	if v.Literal != nil {
		return domain.Lit(*v.Literal)
	}
	return domain.Value{}
}
