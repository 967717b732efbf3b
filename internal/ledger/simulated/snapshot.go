package simulated

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/charity-dao/provisioner/internal/domain"
)

type contractSnapshot struct {
	Address     string                     `json:"address"`
	Kind        string                     `json:"kind"`
	Owner       string                     `json:"owner,omitempty"`
	Params      map[string]string          `json:"params"`
	TotalSupply string                     `json:"total_supply,omitempty"`
	Balances    map[string]string          `json:"balances,omitempty"`
	Roles       map[string]map[string]bool `json:"roles,omitempty"`
}

type snapshot struct {
	Nonce       uint64             `json:"nonce"`
	TxSeq       uint64             `json:"tx_seq"`
	Contracts   []contractSnapshot `json:"contracts"`
	Deployments map[string]string  `json:"deployments"`
}

// Save writes the ledger state to path so a later process can resume
// against the same contracts. Faults and history are not persisted.
func (l *Ledger) Save(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(path)
}

// PersistTo makes Submit write a snapshot to path after every applied
// effect, so the file never lags behind what a killed process journaled.
func (l *Ledger) PersistTo(path string) {
	l.mu.Lock()
	l.snapshotPath = path
	l.mu.Unlock()
}

func (l *Ledger) saveLocked(path string) error {
	snap := snapshot{Nonce: l.nonce, TxSeq: l.txSeq, Deployments: l.deployments}
	for _, c := range l.contracts {
		cs := contractSnapshot{
			Address: c.Address,
			Kind:    c.Kind,
			Owner:   c.Owner,
			Params:  c.Params,
			Roles:   c.Roles,
		}
		if c.TotalSupply != nil {
			cs.TotalSupply = c.TotalSupply.String()
			cs.Balances = make(map[string]string, len(c.Balances))
			for holder, b := range c.Balances {
				cs.Balances[holder] = b.String()
			}
		}
		snap.Contracts = append(snap.Contracts, cs)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace ledger snapshot: %w", err)
	}
	return nil
}

// Load restores a ledger written by Save. The returned error wraps
// fs.ErrNotExist when path does not exist.
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode ledger snapshot: %w", err)
	}

	l := New()
	l.nonce = snap.Nonce
	l.txSeq = snap.TxSeq
	for key, addr := range snap.Deployments {
		l.deployments[key] = addr
	}
	for _, cs := range snap.Contracts {
		c := &contract{
			Address: cs.Address,
			Kind:    cs.Kind,
			Owner:   cs.Owner,
			Params:  cs.Params,
			Roles:   cs.Roles,
		}
		if c.Params == nil {
			c.Params = map[string]string{}
		}
		if c.Roles == nil && c.Kind != domain.ContractToken {
			c.Roles = make(map[string]map[string]bool)
		}
		if cs.TotalSupply != "" {
			supply, ok := new(big.Int).SetString(cs.TotalSupply, 10)
			if !ok {
				return nil, fmt.Errorf("decode ledger snapshot: contract %s: invalid total supply", cs.Address)
			}
			c.TotalSupply = supply
			c.Balances = make(map[string]*big.Int, len(cs.Balances))
			for holder, raw := range cs.Balances {
				b, ok := new(big.Int).SetString(raw, 10)
				if !ok {
					return nil, fmt.Errorf("decode ledger snapshot: contract %s: invalid balance", cs.Address)
				}
				c.Balances[holder] = b
			}
		}
		l.contracts[c.Address] = c
	}
	return l, nil
}
