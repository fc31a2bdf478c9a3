package txn

import (
	"errors"
	"fmt"

	"crankd/internal/address"
)

const (
	// DefaultInlineBudget is how many accounts fit the primary encoding.
	DefaultInlineBudget = 16
	// MaxAccounts bounds the table so indices fit a byte.
	MaxAccounts = 256
)

var (
	ErrUnknownSigner    = errors.New("txn: placeholder has no matching derived authority")
	ErrTooManyAccounts  = errors.New("txn: account table exceeds 256 entries")
	ErrEmptyTransaction = errors.New("txn: no instructions")
)

// Compiler turns abstract instructions into a Compiled transaction. Program is
// the namespace derived authorities resolve under.
type Compiler struct {
	Program      address.Address
	InlineBudget int
}

type tableEntry struct {
	meta   AccountMeta
	merged bool
}

// Compile builds the deduplicated account table and rewrites instruction
// account references as indices into inline ++ remaining.
//
// An account referenced more than once gets one entry whose signer and
// writable flags are the OR of every occurrence. Accounts whose flags changed
// through that merge, and every account past the inline budget, travel in
// Remaining in first-seen order. Placeholders resolve through
// CreateProgramAddress(seeds ‖ bump, Program) against authorities.
func (c Compiler) Compile(ixs []Instruction, authorities []DerivedAuthority) (*Compiled, error) {
	if len(ixs) == 0 {
		return nil, ErrEmptyTransaction
	}
	budget := c.InlineBudget
	if budget <= 0 {
		budget = DefaultInlineBudget
	}

	resolved := make([]address.Address, len(authorities))
	for i, a := range authorities {
		addr, err := address.CreateProgramAddress(a.SignerSeeds(), c.Program)
		if err != nil {
			return nil, fmt.Errorf("txn: authority %d: %w", i, err)
		}
		resolved[i] = addr
	}

	var (
		order   []address.Address
		entries = map[address.Address]*tableEntry{}
		used    = map[int]struct{}{}
		seeds   [][][]byte
	)
	add := func(meta AccountMeta) {
		e, ok := entries[meta.Pubkey]
		if !ok {
			entries[meta.Pubkey] = &tableEntry{meta: meta}
			order = append(order, meta.Pubkey)
			return
		}
		if meta.IsSigner && !e.meta.IsSigner {
			e.meta.IsSigner = true
			e.merged = true
		}
		if meta.IsWritable && !e.meta.IsWritable {
			e.meta.IsWritable = true
			e.merged = true
		}
		// Any disagreement between occurrences counts, in either direction.
		if (!meta.IsSigner && e.meta.IsSigner) || (!meta.IsWritable && e.meta.IsWritable) {
			e.merged = true
		}
	}

	refs := make([][]address.Address, len(ixs))
	for i, ix := range ixs {
		add(AccountMeta{Pubkey: ix.Program})
		refs[i] = make([]address.Address, len(ix.Accounts))
		for j, ref := range ix.Accounts {
			meta := AccountMeta{Pubkey: ref.Pubkey, IsSigner: ref.IsSigner, IsWritable: ref.IsWritable}
			if ref.IsPlaceholder() {
				k := findAuthority(authorities, ref.Derived)
				if k < 0 {
					return nil, fmt.Errorf("%w: instruction %d account %d", ErrUnknownSigner, i, j)
				}
				meta.Pubkey = resolved[k]
				meta.IsSigner = true
				if _, ok := used[k]; !ok {
					used[k] = struct{}{}
					seeds = append(seeds, authorities[k].SignerSeeds())
				}
			}
			add(meta)
			refs[i][j] = meta.Pubkey
		}
	}
	if len(order) > MaxAccounts {
		return nil, ErrTooManyAccounts
	}

	out := &Compiled{SignerSeeds: seeds}
	var overflow []AccountMeta
	for _, a := range order {
		e := entries[a]
		if !e.merged && len(out.Accounts) < budget {
			out.Accounts = append(out.Accounts, e.meta)
		} else {
			overflow = append(overflow, e.meta)
		}
		if e.meta.IsSigner {
			out.NumSigners++
		}
		if e.meta.IsWritable {
			out.NumWritable++
		}
	}
	out.Remaining = overflow
	out.NumRemaining = uint16(len(overflow))
	out.RemainingHash = hashMetas(overflow)

	index := make(map[address.Address]uint8, len(order))
	for i, m := range out.Accounts {
		index[m.Pubkey] = uint8(i)
	}
	for i, m := range overflow {
		index[m.Pubkey] = uint8(len(out.Accounts) + i)
	}

	out.Instructions = make([]CompiledInstruction, len(ixs))
	for i, ix := range ixs {
		ci := CompiledInstruction{
			ProgramIndex: index[ix.Program],
			Accounts:     make([]uint8, len(refs[i])),
			Data:         ix.Data,
		}
		for j, a := range refs[i] {
			ci.Accounts[j] = index[a]
		}
		out.Instructions[i] = ci
	}
	return out, nil
}

func findAuthority(authorities []DerivedAuthority, seeds [][]byte) int {
	for i, a := range authorities {
		if seedsEqual(a.Seeds, seeds) {
			return i
		}
	}
	return -1
}
