package plan

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func configFor(members int, perMember, extra int64, selfOwned bool) Config {
	cfg := testConfig()
	cfg.Members = make([]string, 0, members)
	for i := 0; i < members; i++ {
		cfg.Members = append(cfg.Members, fmt.Sprintf("0x%040x", i+1))
	}
	cfg.PerMemberAmount = big.NewInt(perMember)
	cfg.TotalSupply = new(big.Int).Add(cfg.Distributed(), big.NewInt(extra))
	cfg.TreasurySelfOwnership = selfOwned
	return cfg
}

// Every dependency of a step sits in an earlier layer and at an earlier index,
// and the admin renouncement is alone in the final layer.
func TestPlanOrderingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies precede dependents", prop.ForAll(
		func(members int, perMember, extra int64, selfOwned bool) bool {
			p, err := Build(configFor(members, perMember, extra, selfOwned))
			if err != nil {
				return false
			}
			layers, err := Layers(p)
			if err != nil {
				return false
			}
			layerOf := make(map[string]int)
			for i, layer := range layers {
				for _, id := range layer {
					layerOf[id] = i
				}
			}
			index := p.Index()
			for _, step := range p.Steps {
				for _, dep := range step.Dependencies() {
					if index[dep] >= index[step.ID] || layerOf[dep] >= layerOf[step.ID] {
						return false
					}
				}
			}
			final := layers[len(layers)-1]
			return len(final) == 1 && final[0] == StepRenounceAdmin && p.Steps[len(p.Steps)-1].ID == StepRenounceAdmin
		},
		gen.IntRange(1, 12),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 1_000),
		gen.Bool(),
	))

	properties.Property("member transfers share one layer", prop.ForAll(
		func(members int) bool {
			p, err := Build(configFor(members, 50, 0, true))
			if err != nil {
				return false
			}
			layers, err := Layers(p)
			if err != nil {
				return false
			}
			for _, layer := range layers {
				count := 0
				for _, id := range layer {
					if IsFundStep(id) {
						count++
					}
				}
				if count > 0 {
					return count == members
				}
			}
			return false
		},
		gen.IntRange(1, 20),
	))

	properties.Property("hash survives the codec", prop.ForAll(
		func(members int, perMember int64) bool {
			p, err := Build(configFor(members, perMember, 0, true))
			if err != nil {
				return false
			}
			raw, err := Marshal(p)
			if err != nil {
				return false
			}
			decoded, err := Unmarshal(raw)
			if err != nil {
				return false
			}
			h1, err1 := Hash(p)
			h2, err2 := Hash(decoded)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.IntRange(1, 8),
		gen.Int64Range(1, 1_000),
	))

	properties.TestingRun(t)
}
