// Package txn compiles instructions that reference derived authorities into a
// compact, signable form with an out-of-band remaining-accounts list.
package txn

import (
	"bytes"

	"crankd/internal/address"
)

// AccountMeta is a resolved account with its access flags. The JSON form is
// the one remote compute services use for remaining_accounts.
type AccountMeta struct {
	Pubkey     address.Address `json:"pubkey"`
	IsSigner   bool            `json:"is_signer"`
	IsWritable bool            `json:"is_writable"`
}

// AccountRef names an account inside an abstract instruction: either a
// concrete Pubkey or, when Derived is set, a derived-authority placeholder
// identified by its seeds (bump excluded).
type AccountRef struct {
	Pubkey     address.Address
	Derived    [][]byte
	IsSigner   bool
	IsWritable bool
}

func (r AccountRef) IsPlaceholder() bool { return r.Derived != nil }

func Writable(a address.Address) AccountRef { return AccountRef{Pubkey: a, IsWritable: true} }

func ReadOnly(a address.Address) AccountRef { return AccountRef{Pubkey: a} }

func WritableSigner(a address.Address) AccountRef {
	return AccountRef{Pubkey: a, IsSigner: true, IsWritable: true}
}

func ReadOnlySigner(a address.Address) AccountRef { return AccountRef{Pubkey: a, IsSigner: true} }

// Placeholder references a derived authority by seeds. Derived authorities
// always sign through their seeds.
func Placeholder(writable bool, seeds ...[]byte) AccountRef {
	if seeds == nil {
		seeds = [][]byte{}
	}
	return AccountRef{Derived: seeds, IsSigner: true, IsWritable: writable}
}

// Instruction is one abstract program invocation.
type Instruction struct {
	Program  address.Address
	Accounts []AccountRef
	Data     []byte
}

// ResolvedInstruction is an instruction with every account concrete, ready to
// execute or verify.
type ResolvedInstruction struct {
	Program  address.Address
	Accounts []AccountMeta
	Data     []byte
}

func seedsEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
