// Package simulated implements ledger.Client in memory with the contract
// semantics of the DAO token, timelock treasury and governor. It backs local
// rehearsals and tests, and can inject faults to exercise retry and
// reconciliation paths.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/ledger"
)

type contract struct {
	Address string
	Kind    string
	Owner   string
	Params  map[string]string

	// token state
	TotalSupply *big.Int
	Balances    map[string]*big.Int

	// timelock state
	Roles map[string]map[string]bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	nonce       uint64
	txSeq       uint64
	contracts   map[string]*contract
	deployments map[string]string
	applied     []ledger.Request
	faults      []*Fault

	snapshotPath string

	latency     time.Duration
	inflight    int
	maxInflight int
}

func New() *Ledger {
	return &Ledger{
		contracts:   make(map[string]*contract),
		deployments: make(map[string]string),
	}
}

// SetLatency delays every Submit, which lets tests observe concurrency.
func (l *Ledger) SetLatency(d time.Duration) {
	l.mu.Lock()
	l.latency = d
	l.mu.Unlock()
}

// MaxInflight returns the highest number of concurrent Submit calls seen.
func (l *Ledger) MaxInflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInflight
}

// Applied returns every request whose effect reached ledger state, in order.
func (l *Ledger) Applied() []ledger.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Request, len(l.applied))
	copy(out, l.applied)
	return out
}

func (l *Ledger) Submit(ctx context.Context, req ledger.Request) (ledger.Receipt, error) {
	l.mu.Lock()
	l.inflight++
	if l.inflight > l.maxInflight {
		l.maxInflight = l.inflight
	}
	latency := l.latency
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inflight--
		l.mu.Unlock()
	}()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ledger.Receipt{ErrorKind: ledger.ErrorTransient}, ledger.Transient("submit", ctx.Err())
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fault := l.takeFault(req)
	if fault != nil && !fault.ApplyFirst {
		return ledger.Receipt{ErrorKind: ledger.KindOf(fault.Err)}, fault.Err
	}

	output, err := l.apply(req)
	if err != nil {
		return ledger.Receipt{ErrorKind: ledger.KindOf(err)}, err
	}
	l.applied = append(l.applied, req)
	if l.snapshotPath != "" {
		if err := l.saveLocked(l.snapshotPath); err != nil {
			return ledger.Receipt{ErrorKind: ledger.ErrorTransient}, ledger.Transient("persist ledger state", err)
		}
	}
	if fault != nil {
		return ledger.Receipt{ErrorKind: ledger.KindOf(fault.Err)}, fault.Err
	}

	receipt := ledger.Receipt{Success: true, TxHash: l.nextTxHash(req)}
	receipt.Output = output
	if output == "" {
		receipt.Output = receipt.TxHash
	}
	return receipt, nil
}

func (l *Ledger) apply(req ledger.Request) (string, error) {
	switch req.Action {
	case ledger.ActionDeploy:
		return l.deploy(req)
	case ledger.ActionCall:
		return "", l.call(req)
	default:
		return "", ledger.Rejected("submit", fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (l *Ledger) deploy(req ledger.Request) (string, error) {
	if !domain.IsAddress(req.From) {
		return "", ledger.Rejected("deploy", "sender is not an address")
	}
	args := req.Args
	c := &contract{Kind: req.Contract, Params: copyArgs(args)}
	switch req.Contract {
	case domain.ContractToken:
		if !domain.IsAddress(args["owner"]) {
			return "", ledger.Rejected("deploy token", "owner is not an address")
		}
		c.Owner = domain.NormalizeAddress(args["owner"])
		c.TotalSupply = new(big.Int)
		c.Balances = make(map[string]*big.Int)
	case domain.ContractTimelock:
		if _, err := l.lookup(args["token"], domain.ContractToken); err != nil {
			return "", err
		}
		if _, err := parseUint(args["minDelay"]); err != nil {
			return "", ledger.Rejected("deploy timelock", "minDelay: "+err.Error())
		}
		for _, name := range []string{"admin", "treasuryOwner"} {
			if !domain.IsAddress(args[name]) {
				return "", ledger.Rejected("deploy timelock", name+" is not an address")
			}
		}
		c.Owner = domain.NormalizeAddress(args["treasuryOwner"])
		c.Roles = make(map[string]map[string]bool)
	case domain.ContractGovernor:
		if _, err := l.lookup(args["token"], domain.ContractToken); err != nil {
			return "", err
		}
		if _, err := l.lookup(args["timelock"], domain.ContractTimelock); err != nil {
			return "", err
		}
		quorum, err := parseUint(args["quorumPercent"])
		if err != nil || quorum > 100 {
			return "", ledger.Rejected("deploy governor", "quorumPercent must be within 0..100")
		}
		period, err := parseUint(args["votingPeriod"])
		if err != nil || period == 0 {
			return "", ledger.Rejected("deploy governor", "votingPeriod must be positive")
		}
		if _, err := parseUint(args["votingDelay"]); err != nil {
			return "", ledger.Rejected("deploy governor", "votingDelay: "+err.Error())
		}
	default:
		return "", ledger.Rejected("deploy", fmt.Sprintf("unknown contract %q", req.Contract))
	}

	l.nonce++
	c.Address = deriveAddress(req.From, l.nonce)
	if c.Kind == domain.ContractTimelock {
		c.grant(domain.RoleAdmin, args["admin"])
		c.grant(domain.RoleAdmin, c.Address)
		for _, p := range splitList(args["proposers"]) {
			c.grant(domain.RoleProposer, p)
		}
		for _, e := range splitList(args["executors"]) {
			c.grant(domain.RoleExecutor, e)
		}
	}
	l.contracts[c.Address] = c
	if req.IdempotencyKey != "" {
		if _, exists := l.deployments[req.IdempotencyKey]; !exists {
			l.deployments[req.IdempotencyKey] = c.Address
		}
	}
	return c.Address, nil
}

func (l *Ledger) call(req ledger.Request) error {
	target, ok := l.contracts[domain.NormalizeAddress(req.Target)]
	if !ok {
		return ledger.Rejected(req.Method, "no contract at "+req.Target)
	}
	from := domain.NormalizeAddress(req.From)
	args := req.Args

	switch req.Method {
	case ledger.MethodTransferOwnership:
		if target.Kind == domain.ContractGovernor {
			return ledger.Rejected(req.Method, "governor is not ownable")
		}
		if target.Owner != from {
			return ledger.Rejected(req.Method, "caller is not the owner")
		}
		if !domain.IsAddress(args["newOwner"]) {
			return ledger.Rejected(req.Method, "new owner is not an address")
		}
		target.Owner = domain.NormalizeAddress(args["newOwner"])
		return nil

	case ledger.MethodMintTokens, ledger.MethodTransferTokens:
		if target.Kind != domain.ContractTimelock {
			return ledger.Rejected(req.Method, "target is not a timelock")
		}
		if target.Owner != from {
			return ledger.Rejected(req.Method, "caller is not the treasury owner")
		}
		token, err := l.lookup(target.Params["token"], domain.ContractToken)
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(args["amount"], 10)
		if !ok || amount.Sign() < 0 {
			return ledger.Rejected(req.Method, "amount is not a non-negative integer")
		}
		if req.Method == ledger.MethodMintTokens {
			if token.Owner != target.Address {
				return ledger.Rejected(req.Method, "token is not owned by the treasury")
			}
			token.TotalSupply.Add(token.TotalSupply, amount)
			token.credit(target.Address, amount)
			return nil
		}
		if !domain.IsAddress(args["to"]) {
			return ledger.Rejected(req.Method, "recipient is not an address")
		}
		if token.balance(target.Address).Cmp(amount) < 0 {
			return ledger.Rejected(req.Method, "insufficient treasury balance")
		}
		token.credit(target.Address, new(big.Int).Neg(amount))
		token.credit(args["to"], amount)
		return nil

	case ledger.MethodGrantRole, ledger.MethodRevokeRole, ledger.MethodRenounceRole:
		if target.Kind != domain.ContractTimelock {
			return ledger.Rejected(req.Method, "target has no roles")
		}
		role, account := args["role"], args["account"]
		if role == "" || !domain.IsAddress(account) {
			return ledger.Rejected(req.Method, "role and account are required")
		}
		if req.Method == ledger.MethodRenounceRole {
			if domain.NormalizeAddress(account) != from {
				return ledger.Rejected(req.Method, "can only renounce roles for self")
			}
			target.revoke(role, account)
			return nil
		}
		if !target.hasRole(domain.RoleAdmin, from) {
			return ledger.Rejected(req.Method, "caller is missing "+domain.RoleAdmin)
		}
		if req.Method == ledger.MethodGrantRole {
			target.grant(role, account)
		} else {
			target.revoke(role, account)
		}
		return nil

	default:
		return ledger.Rejected(req.Method, "unknown method")
	}
}

func (l *Ledger) Query(ctx context.Context, address, view string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ledger.Transient("query", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if view == ledger.ViewDeployment {
		if len(args) != 1 {
			return "", ledger.Rejected("query deployment", "expected idempotency key")
		}
		return l.deployments[args[0]], nil
	}

	c, ok := l.contracts[domain.NormalizeAddress(address)]
	if !ok {
		return "", ledger.Rejected("query "+view, "no contract at "+address)
	}
	arg := func(i int) (string, error) {
		if len(args) <= i {
			return "", ledger.Rejected("query "+view, "missing argument")
		}
		return args[i], nil
	}

	switch view {
	case ledger.ViewOwner:
		if c.Kind == domain.ContractGovernor {
			return "", ledger.Rejected("query owner", "governor is not ownable")
		}
		return c.Owner, nil
	case ledger.ViewTotalSupply:
		if c.Kind != domain.ContractToken {
			return "", ledger.Rejected("query totalSupply", "not a token")
		}
		return c.TotalSupply.String(), nil
	case ledger.ViewBalanceOf:
		if c.Kind != domain.ContractToken {
			return "", ledger.Rejected("query balanceOf", "not a token")
		}
		holder, err := arg(0)
		if err != nil {
			return "", err
		}
		return c.balance(holder).String(), nil
	case ledger.ViewHasRole:
		if c.Kind != domain.ContractTimelock {
			return "", ledger.Rejected("query hasRole", "not a timelock")
		}
		role, err := arg(0)
		if err != nil {
			return "", err
		}
		account, err := arg(1)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(c.hasRole(role, account)), nil
	case ledger.ViewToken:
		return c.Params["token"], nil
	case ledger.ViewTimelock:
		return c.Params["timelock"], nil
	case ledger.ViewQuorum:
		return c.Params["quorumPercent"], nil
	case ledger.ViewVotingPeriod:
		return c.Params["votingPeriod"], nil
	default:
		return "", ledger.Rejected("query", "unknown view "+view)
	}
}

func (l *Ledger) lookup(address, kind string) (*contract, error) {
	c, ok := l.contracts[domain.NormalizeAddress(address)]
	if !ok || c.Kind != kind {
		return nil, ledger.Rejected("lookup", fmt.Sprintf("no %s at %q", kind, address))
	}
	return c, nil
}

func (l *Ledger) nextTxHash(req ledger.Request) string {
	l.txSeq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", l.txSeq, req.IdempotencyKey, req.Target, req.Method)))
	return "0x" + hex.EncodeToString(sum[:])
}

func (c *contract) grant(role, account string) {
	if c.Roles[role] == nil {
		c.Roles[role] = make(map[string]bool)
	}
	c.Roles[role][domain.NormalizeAddress(account)] = true
}

func (c *contract) revoke(role, account string) {
	delete(c.Roles[role], domain.NormalizeAddress(account))
}

func (c *contract) hasRole(role, account string) bool {
	return c.Roles[role][domain.NormalizeAddress(account)]
}

func (c *contract) balance(holder string) *big.Int {
	if b, ok := c.Balances[domain.NormalizeAddress(holder)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (c *contract) credit(holder string, delta *big.Int) {
	key := domain.NormalizeAddress(holder)
	b, ok := c.Balances[key]
	if !ok {
		b = new(big.Int)
		c.Balances[key] = b
	}
	b.Add(b, delta)
}

func deriveAddress(deployer string, nonce uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", domain.NormalizeAddress(deployer), nonce)))
	return "0x" + hex.EncodeToString(sum[:20])
}

func parseUint(v string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(v), 10, 64)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func copyArgs(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
