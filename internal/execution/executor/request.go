package executor

import (
	"fmt"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/ledger"
)

// IdempotencyKey identifies every submission made for one step of one run.
func IdempotencyKey(runID, stepID string) string {
	return runID + "/" + stepID
}

// BuildRequest maps a resolved step onto its ledger request.
func BuildRequest(runID string, step domain.Step, resolved domain.Resolved, from string) (ledger.Request, error) {
	req := ledger.Request{
		Action:         ledger.ActionCall,
		Target:         resolved.Target,
		From:           from,
		IdempotencyKey: IdempotencyKey(runID, step.ID),
	}
	p := resolved.Params
	switch step.Kind {
	case domain.KindCreate:
		req.Action = ledger.ActionDeploy
		req.Target = ""
		req.Contract = p["contract"]
		req.Args = make(map[string]string, len(p))
		for name, v := range p {
			if name != "contract" {
				req.Args[name] = v
			}
		}
	case domain.KindMint:
		req.Method = ledger.MethodMintTokens
		req.Args = map[string]string{"amount": p["amount"]}
	case domain.KindTransfer:
		req.Method = ledger.MethodTransferTokens
		req.Args = map[string]string{"to": p["to"], "amount": p["amount"]}
	case domain.KindGrantRole:
		req.Method = ledger.MethodGrantRole
		req.Args = map[string]string{"role": p["role"], "account": p["grantee"]}
	case domain.KindRevokeRole:
		req.Method = ledger.MethodRevokeRole
		req.Args = map[string]string{"role": p["role"], "account": p["grantee"]}
	case domain.KindRenounceRole:
		req.Method = ledger.MethodRenounceRole
		req.Args = map[string]string{"role": p["role"], "account": p["holder"]}
	case domain.KindTransferOwnership:
		req.Method = ledger.MethodTransferOwnership
		req.Args = map[string]string{"newOwner": p["newOwner"]}
	default:
		return ledger.Request{}, fmt.Errorf("step %s: unsupported kind %q", step.ID, step.Kind)
	}
	return req, nil
}
