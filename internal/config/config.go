// Package config loads the provisioning plan file and the runtime settings
// of the provisioner process.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/charity-dao/provisioner/internal/execution/plan"
)

// TokenDecimals is the number of base units per whole token.
const TokenDecimals = 18

// MembersEnv overrides the members list with a JSON array of addresses.
const MembersEnv = "MEMBERS_ADDRESSES"

const schemaURL = "https://provisioner.schemas.local/plan.schema.json"

//go:embed schema.json
var schemaJSON string

// InvalidError marks configuration that can never produce a valid plan.
type InvalidError struct {
	Issues []string
}

func (e *InvalidError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

func (e *InvalidError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *InvalidError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// IsInvalid reports whether err stems from bad configuration or a plan that
// fails validation.
func IsInvalid(err error) bool {
	var inv *InvalidError
	var ref *plan.ReferenceError
	return errors.As(err, &inv) || errors.As(err, &ref)
}

// File is the YAML plan file. Amounts are whole tokens and may carry up to
// TokenDecimals fractional digits.
type File struct {
	Deployer              string   `yaml:"deployer"`
	MinDelay              uint64   `yaml:"minDelay"`
	VotingDelay           uint64   `yaml:"votingDelay"`
	VotingPeriod          uint64   `yaml:"votingPeriod"`
	ProposalThreshold     uint64   `yaml:"proposalThreshold"`
	QuorumPercent         uint64   `yaml:"quorumPercent"`
	TotalSupply           string   `yaml:"totalSupply"`
	Members               []string `yaml:"members"`
	PerMemberAmount       string   `yaml:"perMemberAmount"`
	TreasurySelfOwnership bool     `yaml:"treasurySelfOwnership"`
}

// Defaults returns the governance parameters used when the file omits them.
func Defaults() File {
	return File{
		MinDelay:              5,
		VotingDelay:           0,
		VotingPeriod:          75,
		ProposalThreshold:     0,
		QuorumPercent:         4,
		TotalSupply:           "1000",
		PerMemberAmount:       "50",
		TreasurySelfOwnership: true,
	}
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load plan schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return compiled, nil
})

// LoadFile reads and parses the plan file at path.
func LoadFile(path string) (plan.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return plan.Config{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(raw, os.LookupEnv)
}

// Parse validates raw against the plan schema, applies defaults and the
// members override from lookup, and converts amounts to base units.
func Parse(raw []byte, lookup func(string) (string, bool)) (plan.Config, error) {
	if err := validateSchema(raw); err != nil {
		return plan.Config{}, err
	}
	file := Defaults()
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return plan.Config{}, &InvalidError{Issues: []string{fmt.Sprintf("decode plan file: %v", err)}}
	}
	if lookup != nil {
		if v, ok := lookup(MembersEnv); ok && strings.TrimSpace(v) != "" {
			var members []string
			if err := json.Unmarshal([]byte(v), &members); err != nil {
				return plan.Config{}, &InvalidError{Issues: []string{fmt.Sprintf("%s must be a JSON array of addresses: %v", MembersEnv, err)}}
			}
			file.Members = members
		}
	}
	return file.PlanConfig()
}

// PlanConfig converts f into plan input, validating it on the way.
func (f File) PlanConfig() (plan.Config, error) {
	errs := &InvalidError{}
	total, err := ParseAmount(f.TotalSupply)
	if err != nil {
		errs.Add(fmt.Sprintf("totalSupply: %v", err))
	}
	perMember, err := ParseAmount(f.PerMemberAmount)
	if err != nil {
		errs.Add(fmt.Sprintf("perMemberAmount: %v", err))
	}
	if err := errs.OrNil(); err != nil {
		return plan.Config{}, err
	}
	members := make([]string, 0, len(f.Members))
	for _, m := range f.Members {
		members = append(members, strings.TrimSpace(m))
	}
	cfg := plan.Config{
		Deployer:              strings.TrimSpace(f.Deployer),
		MinDelay:              f.MinDelay,
		VotingDelay:           f.VotingDelay,
		VotingPeriod:          f.VotingPeriod,
		ProposalThreshold:     f.ProposalThreshold,
		QuorumPercent:         f.QuorumPercent,
		TotalSupply:           total,
		Members:               members,
		PerMemberAmount:       perMember,
		TreasurySelfOwnership: f.TreasurySelfOwnership,
	}
	if err := cfg.Validate(); err != nil {
		return plan.Config{}, err
	}
	return cfg, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &InvalidError{Issues: []string{fmt.Sprintf("decode plan file: %v", err)}}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so the validator sees JSON value types.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return &InvalidError{Issues: []string{fmt.Sprintf("plan file is not a JSON-compatible document: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return &InvalidError{Issues: []string{fmt.Sprintf("decode plan file: %v", err)}}
	}

	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &InvalidError{Issues: schemaIssues(verr)}
		}
		return &InvalidError{Issues: []string{err.Error()}}
	}
	return nil
}

func schemaIssues(verr *jsonschema.ValidationError) []string {
	var issues []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			issues = append(issues, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return issues
}

// ParseAmount converts a whole-token decimal string into base units with
// TokenDecimals decimals.
func ParseAmount(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("amount is required")
	}
	whole, frac, hasFrac := strings.Cut(v, ".")
	if whole == "" || !digitsOnly(whole) || (hasFrac && (frac == "" || !digitsOnly(frac))) {
		return nil, fmt.Errorf("invalid amount %q", v)
	}
	if len(frac) > TokenDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", v, TokenDecimals)
	}
	n, ok := new(big.Int).SetString(whole+frac+strings.Repeat("0", TokenDecimals-len(frac)), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", v)
	}
	return n, nil
}

// FormatAmount renders base units as a whole-token decimal string.
func FormatAmount(n *big.Int) string {
	if n == nil {
		return "0"
	}
	s := n.String()
	if len(s) <= TokenDecimals {
		s = strings.Repeat("0", TokenDecimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-TokenDecimals], strings.TrimRight(s[len(s)-TokenDecimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
