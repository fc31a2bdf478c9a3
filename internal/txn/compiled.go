package txn

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/near/borsh-go"

	"crankd/internal/address"
)

var (
	ErrMalformed         = errors.New("txn: malformed compiled transaction")
	ErrRemainingMismatch = errors.New("txn: remaining accounts do not match the compiled transaction")
	ErrUnprovenSigner    = errors.New("txn: signer is neither a transaction signer nor a derived authority")
)

type CompiledInstruction struct {
	ProgramIndex uint8
	Accounts     []uint8
	Data         []byte
}

// Compiled is the wire form. Accounts holds the inline table; Remaining is
// carried out-of-band and bound by RemainingHash, so it is never encoded.
type Compiled struct {
	NumSigners    uint16
	NumWritable   uint16
	Accounts      []AccountMeta
	NumRemaining  uint16
	RemainingHash [32]byte
	Instructions  []CompiledInstruction
	SignerSeeds   [][][]byte

	Remaining []AccountMeta `borsh_skip:"true" json:"-"`
}

func hashMetas(metas []AccountMeta) [32]byte {
	h := sha256.New()
	for _, m := range metas {
		h.Write(m.Pubkey[:])
		var flags byte
		if m.IsSigner {
			flags |= 1
		}
		if m.IsWritable {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Compiled) MarshalBinary() ([]byte, error) {
	return borsh.Serialize(*c)
}

// UnmarshalBinary decodes b and rejects trailing or non-canonical bytes, so
// the decoded value re-encodes to exactly b.
func (c *Compiled) UnmarshalBinary(b []byte) error {
	var out Compiled
	if err := borsh.Deserialize(&out, b); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	again, err := borsh.Serialize(out)
	if err != nil || !bytes.Equal(again, b) {
		return fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	*c = out
	return nil
}

// Decompile rebuilds concrete instructions from the inline table and the
// out-of-band remaining accounts, which must be exactly the ones compiled.
func (c *Compiled) Decompile(remaining []AccountMeta) ([]ResolvedInstruction, error) {
	if len(remaining) != int(c.NumRemaining) || hashMetas(remaining) != c.RemainingHash {
		return nil, ErrRemainingMismatch
	}
	table := make([]AccountMeta, 0, len(c.Accounts)+len(remaining))
	table = append(table, c.Accounts...)
	table = append(table, remaining...)

	var signers, writable uint16
	for _, m := range table {
		if m.IsSigner {
			signers++
		}
		if m.IsWritable {
			writable++
		}
	}
	if signers != c.NumSigners || writable != c.NumWritable {
		return nil, fmt.Errorf("%w: header counts disagree with the account table", ErrMalformed)
	}

	out := make([]ResolvedInstruction, len(c.Instructions))
	for i, ci := range c.Instructions {
		if int(ci.ProgramIndex) >= len(table) {
			return nil, fmt.Errorf("%w: instruction %d program index %d", ErrMalformed, i, ci.ProgramIndex)
		}
		ri := ResolvedInstruction{
			Program:  table[ci.ProgramIndex].Pubkey,
			Accounts: make([]AccountMeta, len(ci.Accounts)),
			Data:     ci.Data,
		}
		for j, idx := range ci.Accounts {
			if int(idx) >= len(table) {
				return nil, fmt.Errorf("%w: instruction %d account index %d", ErrMalformed, i, idx)
			}
			ri.Accounts[j] = table[idx]
		}
		out[i] = ri
	}
	return out, nil
}

// DerivedSigners re-derives every signer seed set under program. A derived
// authority's only proof is that its address comes out of this derivation.
func (c *Compiled) DerivedSigners(program address.Address) (map[address.Address]struct{}, error) {
	out := make(map[address.Address]struct{}, len(c.SignerSeeds))
	for i, seeds := range c.SignerSeeds {
		a, err := address.CreateProgramAddress(seeds, program)
		if err != nil {
			return nil, fmt.Errorf("%w: signer seeds %d: %v", ErrMalformed, i, err)
		}
		out[a] = struct{}{}
	}
	return out, nil
}

// CheckSigners verifies that every signer account in ixs is either one of
// keypairs or a derived authority proven by the compiled signer seeds.
func CheckSigners(ixs []ResolvedInstruction, keypairs, derived map[address.Address]struct{}) error {
	for i, ix := range ixs {
		for _, m := range ix.Accounts {
			if !m.IsSigner {
				continue
			}
			if _, ok := keypairs[m.Pubkey]; ok {
				continue
			}
			if _, ok := derived[m.Pubkey]; ok {
				continue
			}
			return fmt.Errorf("%w: %s in instruction %d", ErrUnprovenSigner, m.Pubkey, i)
		}
	}
	return nil
}
