package ledger

import (
	"fmt"

	"crankd/internal/address"
	"crankd/internal/txn"
)

// Compute charged per run and per executed instruction.
const (
	ComputePerRun         uint64 = 5_000
	ComputePerInstruction uint64 = 20_000
)

// Limits bound one transaction. The worker batches against the same numbers
// the ledger enforces.
type Limits struct {
	MaxOps          int    `json:"max_ops"`
	MaxAccounts     int    `json:"max_accounts"`
	MaxInstructions int    `json:"max_instructions"`
	MaxCompute      uint64 `json:"max_compute"`
}

var DefaultLimits = Limits{MaxOps: 8, MaxAccounts: 64, MaxInstructions: 24, MaxCompute: 1_400_000}

// Cost is the resource use of a run. Accounts are counted per run, so a sum
// over runs can only overestimate the distinct accounts of a transaction.
type Cost struct {
	Ops          int
	Accounts     int
	Instructions int
	Compute      uint64
}

func (c Cost) Add(o Cost) Cost {
	return Cost{
		Ops:          c.Ops + o.Ops,
		Accounts:     c.Accounts + o.Accounts,
		Instructions: c.Instructions + o.Instructions,
		Compute:      c.Compute + o.Compute,
	}
}

// RunCost is what executing ixs as one RunTask costs.
func RunCost(ixs []txn.ResolvedInstruction) Cost {
	seen := map[address.Address]struct{}{}
	for _, ix := range ixs {
		seen[ix.Program] = struct{}{}
		for _, m := range ix.Accounts {
			seen[m.Pubkey] = struct{}{}
		}
	}
	return Cost{
		Ops:          1,
		Accounts:     len(seen),
		Instructions: len(ixs),
		Compute:      ComputePerRun + ComputePerInstruction*uint64(len(ixs)),
	}
}

// Check fails with ErrTransactionTooLarge when c exceeds any limit.
func (l Limits) Check(c Cost) error {
	switch {
	case l.MaxOps > 0 && c.Ops > l.MaxOps:
		return fmt.Errorf("%w: %d ops > %d", ErrTransactionTooLarge, c.Ops, l.MaxOps)
	case l.MaxAccounts > 0 && c.Accounts > l.MaxAccounts:
		return fmt.Errorf("%w: %d accounts > %d", ErrTransactionTooLarge, c.Accounts, l.MaxAccounts)
	case l.MaxInstructions > 0 && c.Instructions > l.MaxInstructions:
		return fmt.Errorf("%w: %d instructions > %d", ErrTransactionTooLarge, c.Instructions, l.MaxInstructions)
	case l.MaxCompute > 0 && c.Compute > l.MaxCompute:
		return fmt.Errorf("%w: %d compute units > %d", ErrTransactionTooLarge, c.Compute, l.MaxCompute)
	}
	return nil
}

// Fits reports whether c is within every limit.
func (l Limits) Fits(c Cost) bool { return l.Check(c) == nil }
