package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/ledger"
)

// Effect queries the ledger for the observable result of a step. present is
// true when the step's mutation is already reflected, in which case output
// carries the recovered output (the deployed address for Create steps).
//
// Mint and Transfer compare against a floor rather than an exact value: the
// token starts with zero supply, so any balance at or above the requested
// amount means the submission landed.
func Effect(ctx context.Context, q ledger.Querier, runID string, step domain.Step, resolved domain.Resolved) (output string, present bool, err error) {
	p := resolved.Params
	switch step.Kind {
	case domain.KindCreate:
		addr, err := q.Query(ctx, "", ledger.ViewDeployment, IdempotencyKey(runID, step.ID))
		if err != nil {
			return "", false, err
		}
		return addr, addr != "", nil

	case domain.KindTransferOwnership:
		owner, err := q.Query(ctx, resolved.Target, ledger.ViewOwner)
		if err != nil {
			return "", false, err
		}
		return "", domain.SameAddress(owner, p["newOwner"]), nil

	case domain.KindMint, domain.KindTransfer:
		token, err := q.Query(ctx, resolved.Target, ledger.ViewToken)
		if err != nil {
			return "", false, err
		}
		var raw string
		if step.Kind == domain.KindMint {
			raw, err = q.Query(ctx, token, ledger.ViewTotalSupply)
		} else {
			raw, err = q.Query(ctx, token, ledger.ViewBalanceOf, p["to"])
		}
		if err != nil {
			return "", false, err
		}
		have, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return "", false, fmt.Errorf("step %s: unparseable amount %q from ledger", step.ID, raw)
		}
		want, ok := new(big.Int).SetString(p["amount"], 10)
		if !ok {
			return "", false, fmt.Errorf("step %s: invalid amount %q", step.ID, p["amount"])
		}
		return "", have.Cmp(want) >= 0, nil

	case domain.KindGrantRole, domain.KindRevokeRole, domain.KindRenounceRole:
		account := p["grantee"]
		if step.Kind == domain.KindRenounceRole {
			account = p["holder"]
		}
		has, err := q.Query(ctx, resolved.Target, ledger.ViewHasRole, p["role"], account)
		if err != nil {
			return "", false, err
		}
		if step.Kind == domain.KindGrantRole {
			return "", has == "true", nil
		}
		return "", has == "false", nil

	default:
		return "", false, fmt.Errorf("step %s: unsupported kind %q", step.ID, step.Kind)
	}
}
