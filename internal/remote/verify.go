package remote

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"crankd/internal/address"
	"crankd/internal/txn"
)

// Verified is a response that passed Verify. Its fields are unexported so
// nothing outside this package can build one without the checks.
type Verified struct {
	binding   Binding
	tx        txn.Compiled
	raw       []byte
	signature []byte
	remaining []txn.AccountMeta
	resolved  []txn.ResolvedInstruction
}

// Verify is the only way to obtain a Verified. In order it checks the
// ed25519 signature over the exact transaction bytes, decodes them, then the
// binding to want. It also checks that the out-of-band remaining accounts
// are the ones the signed transaction committed to.
func Verify(resp *Response, key address.Address, want Binding) (*Verified, error) {
	if resp == nil || len(resp.Transaction) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", ErrMalformed)
	}
	if len(resp.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformed, len(resp.Signature))
	}
	if !ed25519.Verify(key.PublicKey(), resp.Transaction, resp.Signature) {
		return nil, ErrSignatureInvalid
	}

	var rtx RemoteTaskTransaction
	if err := rtx.UnmarshalBinary(resp.Transaction); err != nil {
		return nil, err
	}
	if rtx.Task != want.Task {
		return nil, fmt.Errorf("%w: task %s, want %s", ErrBindingMismatch, rtx.Task, want.Task)
	}
	if rtx.QueuedAt != want.QueuedAt {
		return nil, fmt.Errorf("%w: queued_at %d, want %d", ErrBindingMismatch, rtx.QueuedAt, want.QueuedAt)
	}

	resolved, err := rtx.Transaction.Decompile(resp.RemainingAccounts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Verified{
		binding:   want,
		tx:        rtx.Transaction,
		raw:       bytes.Clone(resp.Transaction),
		signature: bytes.Clone(resp.Signature),
		remaining: append([]txn.AccountMeta(nil), resp.RemainingAccounts...),
		resolved:  resolved,
	}, nil
}

// ForbidSigner fails with ErrForbiddenSigner when any instruction or
// remaining account asks for a's signature. The crank calls it with its fee
// payer: a compute service never gets to spend the payer's lamports.
func (v *Verified) ForbidSigner(a address.Address) error {
	for i, ix := range v.resolved {
		for _, m := range ix.Accounts {
			if m.IsSigner && m.Pubkey == a {
				return fmt.Errorf("%w: instruction %d signs as %s", ErrForbiddenSigner, i, a)
			}
		}
	}
	for _, m := range v.remaining {
		if m.IsSigner && m.Pubkey == a {
			return fmt.Errorf("%w: remaining account %s is a signer", ErrForbiddenSigner, a)
		}
	}
	return nil
}

func (v *Verified) Binding() Binding { return v.binding }

func (v *Verified) Transaction() txn.Compiled { return v.tx }

func (v *Verified) Instructions() []txn.ResolvedInstruction { return v.resolved }

// Remaining returns a copy of the verified remaining accounts.
func (v *Verified) Remaining() []txn.AccountMeta {
	return append([]txn.AccountMeta(nil), v.remaining...)
}

// Proof returns the signed bytes and signature unchanged for resubmission to
// the ledger, which verifies them again.
func (v *Verified) Proof() (transaction, signature []byte) {
	return bytes.Clone(v.raw), bytes.Clone(v.signature)
}
