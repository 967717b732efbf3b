package simulated

import (
	"strings"

	"github.com/charity-dao/provisioner/internal/ledger"
)

// Fault makes Submit fail for matching requests.
type Fault struct {
	Match func(ledger.Request) bool
	Err   error
	// Times is how many matching submissions fail; zero means once.
	Times int
	// ApplyFirst applies the effect before failing, as if the connection
	// dropped after the ledger accepted the transaction.
	ApplyFirst bool
}

// InjectFault registers f. Faults are consulted in registration order.
func (l *Ledger) InjectFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	l.mu.Lock()
	l.faults = append(l.faults, &f)
	l.mu.Unlock()
}

func (l *Ledger) takeFault(req ledger.Request) *Fault {
	for _, f := range l.faults {
		if f.Times <= 0 {
			continue
		}
		if f.Match != nil && !f.Match(req) {
			continue
		}
		f.Times--
		return f
	}
	return nil
}

// MatchContract matches deployments of the given contract type.
func MatchContract(contract string) func(ledger.Request) bool {
	return func(req ledger.Request) bool {
		return req.Action == ledger.ActionDeploy && req.Contract == contract
	}
}

func MatchMethod(method string) func(ledger.Request) bool {
	return func(req ledger.Request) bool {
		return req.Action == ledger.ActionCall && req.Method == method
	}
}

// MatchStep matches requests whose idempotency key ends with the step id.
func MatchStep(stepID string) func(ledger.Request) bool {
	return func(req ledger.Request) bool {
		return strings.HasSuffix(req.IdempotencyKey, "/"+stepID)
	}
}
