package ledger

import (
	"context"
)

// Action distinguishes contract creation from calls on existing contracts.
type Action string

const (
	ActionDeploy Action = "deploy"
	ActionCall   Action = "call"
)

// Contract methods invoked by provisioning steps.
const (
	MethodTransferOwnership = "transferOwnership"
	MethodMintTokens        = "mintTokens"
	MethodTransferTokens    = "transferTokens"
	MethodGrantRole         = "grantRole"
	MethodRevokeRole        = "revokeRole"
	MethodRenounceRole      = "renounceRole"
)

// Read-only views.
const (
	ViewOwner        = "owner"
	ViewTotalSupply  = "totalSupply"
	ViewBalanceOf    = "balanceOf"
	ViewHasRole      = "hasRole"
	ViewToken        = "token"
	ViewTimelock     = "timelock"
	ViewQuorum       = "quorum"
	ViewVotingPeriod = "votingPeriod"
	// ViewDeployment resolves an idempotency key to the address deployed
	// under it, or "" when nothing was deployed. The address argument is empty.
	ViewDeployment = "deployment"
)

// Request is one creation or mutation submitted to the ledger.
type Request struct {
	Action   Action            `json:"action"`
	Contract string            `json:"contract,omitempty"`
	Target   string            `json:"target,omitempty"`
	Method   string            `json:"method,omitempty"`
	Args     map[string]string `json:"args"`
	From     string            `json:"from"`
	// IdempotencyKey identifies the step attempt series that produced the request.
	IdempotencyKey string `json:"idempotency_key"`
}

// Receipt is the ledger's confirmation of a request.
type Receipt struct {
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Querier reads contract state without mutating it.
type Querier interface {
	Query(ctx context.Context, address, view string, args ...string) (string, error)
}

// Client submits requests and blocks until the ledger confirms them.
// Submit returns *TransientError or *RejectedError on failure.
type Client interface {
	Querier
	Submit(ctx context.Context, req Request) (Receipt, error)
}
