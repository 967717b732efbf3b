package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charity-dao/provisioner/internal/domain"
)

// ReferenceError aggregates plan construction issues.
type ReferenceError struct {
	Issues []string
}

func (e *ReferenceError) Error() string {
	if len(e.Issues) == 0 {
		return "plan validation failed"
	}
	return "plan validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ReferenceError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ReferenceError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Validate checks that p is well formed: unique ids, per-kind parameter
// schemas, backward-only references, and the admin renouncement being the
// last step with every admin-authority step among its ancestors.
func Validate(p Plan) error {
	errs := &ReferenceError{}
	if p.Version < 1 {
		errs.Add(fmt.Sprintf("unsupported plan version %d", p.Version))
	}
	if !domain.IsAddress(p.Deployer) {
		errs.Add(fmt.Sprintf("deployer %q is not an address", p.Deployer))
	}
	if len(p.Steps) == 0 {
		errs.Add("plan has no steps")
		return errs.OrNil()
	}

	index := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			errs.Add(fmt.Sprintf("steps[%d]: id is required", i))
			continue
		}
		if id != step.ID {
			errs.Add(fmt.Sprintf("steps[%d]: id %q has surrounding whitespace", i, step.ID))
		}
		if _, dup := index[id]; dup {
			errs.Add(fmt.Sprintf("steps[%d]: duplicate id %q", i, id))
			continue
		}
		index[id] = i
	}

	for i, step := range p.Steps {
		validateSchema(errs, step)
		for _, ref := range step.References() {
			j, ok := index[ref.Step]
			switch {
			case !ok:
				errs.Add(fmt.Sprintf("step %s: references unknown step %q", step.ID, ref.Step))
			case j >= i:
				errs.Add(fmt.Sprintf("step %s: references %q which is not declared earlier", step.ID, ref.Step))
			default:
				if !hasOutput(p.Steps[j], ref.Output) {
					errs.Add(fmt.Sprintf("step %s: step %q has no output %q", step.ID, ref.Step, ref.Output))
				}
			}
		}
		for _, dep := range step.After {
			j, ok := index[dep]
			switch {
			case !ok:
				errs.Add(fmt.Sprintf("step %s: after unknown step %q", step.ID, dep))
			case j >= i:
				errs.Add(fmt.Sprintf("step %s: after %q which is not declared earlier", step.ID, dep))
			}
		}
	}

	if len(errs.Issues) == 0 {
		validateAdminRenouncement(errs, p)
	}
	return errs.OrNil()
}

func validateSchema(errs *ReferenceError, step domain.Step) {
	schema, ok := domain.SchemaFor(step.Kind)
	if !ok {
		errs.Add(fmt.Sprintf("step %s: unknown kind %q", step.ID, step.Kind))
		return
	}
	if schema.NeedsTarget && step.Target.IsZero() {
		errs.Add(fmt.Sprintf("step %s: %s requires a target", step.ID, step.Kind))
	}
	if !schema.NeedsTarget && !step.Target.IsZero() {
		errs.Add(fmt.Sprintf("step %s: %s does not take a target", step.ID, step.Kind))
	}
	if step.Kind == domain.KindCreate {
		if _, ok := domain.ContractParams(step.Contract()); !ok {
			errs.Add(fmt.Sprintf("step %s: unknown contract %q", step.ID, step.Contract()))
			return
		}
		if step.Params["contract"].IsRef() {
			errs.Add(fmt.Sprintf("step %s: contract must be a literal", step.ID))
		}
	}

	allowed := domain.AllowedParams(step)
	names := make([]string, 0, len(step.Params))
	for name := range step.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !allowed[name] {
			errs.Add(fmt.Sprintf("step %s: unknown parameter %q for %s", step.ID, name, step.Kind))
		}
	}
	for _, name := range domain.RequiredParams(step) {
		v, ok := step.Params[name]
		if !ok {
			errs.Add(fmt.Sprintf("step %s: missing parameter %q", step.ID, name))
			continue
		}
		if v.IsZero() && !domain.ListParams[name] {
			errs.Add(fmt.Sprintf("step %s: parameter %q is empty", step.ID, name))
		}
		if v.Ref != nil && domain.ListParams[name] {
			errs.Add(fmt.Sprintf("step %s: list parameter %q cannot be a reference", step.ID, name))
		}
	}
}

func hasOutput(step domain.Step, output string) bool {
	schema, ok := domain.SchemaFor(step.Kind)
	if !ok {
		return false
	}
	for _, name := range schema.Outputs {
		if name == output {
			return true
		}
	}
	return false
}

func isAdminRenouncement(step domain.Step) bool {
	return step.Kind == domain.KindRenounceRole && step.Params["role"].Literal == domain.RoleAdmin
}

func validateAdminRenouncement(errs *ReferenceError, p Plan) {
	last := len(p.Steps) - 1
	renounce := -1
	for i, step := range p.Steps {
		if !isAdminRenouncement(step) {
			continue
		}
		if renounce >= 0 {
			errs.Add(fmt.Sprintf("step %s: %s is renounced more than once", step.ID, domain.RoleAdmin))
			continue
		}
		renounce = i
	}
	if renounce < 0 {
		errs.Add(fmt.Sprintf("plan must end by renouncing the deployer's %s", domain.RoleAdmin))
		return
	}

	step := p.Steps[renounce]
	if renounce != last {
		errs.Add(fmt.Sprintf("step %s: renouncing %s must be the last step", step.ID, domain.RoleAdmin))
	}
	if holder := step.Params["holder"]; holder.IsRef() || !domain.SameAddress(holder.Literal, p.Deployer) {
		errs.Add(fmt.Sprintf("step %s: holder must be the deployer", step.ID))
	}

	ancestors := Ancestors(p, step.ID)
	for _, other := range p.Steps {
		if other.ID == step.ID {
			continue
		}
		schema, _ := domain.SchemaFor(other.Kind)
		if !schema.AdminAuthority || other.Target.String() != step.Target.String() {
			continue
		}
		if _, ok := ancestors[other.ID]; !ok {
			errs.Add(fmt.Sprintf("step %s: must depend on %s which needs %s", step.ID, other.ID, domain.RoleAdmin))
		}
	}
}

// Ancestors returns every step id that id transitively depends on.
func Ancestors(p Plan, id string) map[string]struct{} {
	byID := make(map[string]domain.Step, len(p.Steps))
	for _, step := range p.Steps {
		byID[step.ID] = step
	}
	out := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range byID[current].Dependencies() {
			if _, seen := out[dep]; seen {
				continue
			}
			out[dep] = struct{}{}
			stack = append(stack, dep)
		}
	}
	return out
}
