package plan

import (
	"fmt"
	"sort"
)

// Layers groups steps into waves using Kahn's algorithm: every step in a wave
// depends only on steps in earlier waves, so a wave may run concurrently.
// Ties are broken by declaration order.
func Layers(p Plan) ([][]string, error) {
	index := p.Index()
	inDegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		inDegree[step.ID] += 0
		for _, dep := range step.Dependencies() {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %q", step.ID, dep)
			}
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	byIndex := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
	}

	var ready []string
	for _, step := range p.Steps {
		if inDegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	var layers [][]string
	placed := 0
	for len(ready) > 0 {
		byIndex(ready)
		layers = append(layers, ready)
		placed += len(ready)
		var next []string
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}
	if placed != len(p.Steps) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return layers, nil
}

// Dependents maps each step id to the steps that wait on it.
func Dependents(p Plan) map[string][]string {
	out := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.Dependencies() {
			out[dep] = append(out[dep], step.ID)
		}
	}
	return out
}
