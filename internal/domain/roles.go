package domain

import (
	"regexp"
	"strings"
)

// Timelock role identifiers.
const (
	RoleProposer = "PROPOSER_ROLE"
	RoleExecutor = "EXECUTOR_ROLE"
	RoleAdmin    = "DEFAULT_ADMIN_ROLE"
)

// RoleAssignment is a derived view of one role on the timelock.
type RoleAssignment struct {
	Role    string `json:"role"`
	Grantee string `json:"grantee"`
	Granted bool   `json:"granted"`
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether v is a 20-byte hex ledger address.
func IsAddress(v string) bool {
	return addressPattern.MatchString(strings.TrimSpace(v))
}

// NormalizeAddress lowercases an address for comparisons.
func NormalizeAddress(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
