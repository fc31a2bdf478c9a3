// Package remote implements the remote task protocol: a compute service
// proposes the exact transaction that fulfills a due task, signed with its
// registered key and bound to one scheduling instance of that task.
package remote

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/near/borsh-go"

	"crankd/internal/address"
	"crankd/internal/txn"
)

var (
	ErrSignatureInvalid = errors.New("remote: signature does not verify against the registered key")
	ErrBindingMismatch  = errors.New("remote: transaction is bound to a different task or queued_at")
	ErrMalformed        = errors.New("remote: malformed response")
	ErrRejected         = errors.New("remote: compute service rejected the request")
	ErrForbiddenSigner  = errors.New("remote: transaction requires a signature the crank will not give")
)

// Request is POSTed as JSON to the task's URL.
type Request struct {
	Task         address.Address `json:"task"`
	TaskQueue    address.Address `json:"task_queue"`
	TaskQueuedAt int64           `json:"task_queued_at"`
}

// Response is the 200 body. Byte fields travel base64-encoded.
type Response struct {
	Transaction       []byte            `json:"transaction"`
	Signature         []byte            `json:"signature"`
	RemainingAccounts []txn.AccountMeta `json:"remaining_accounts"`
}

// RemoteTaskTransaction is the signed triple.
type RemoteTaskTransaction struct {
	Task        address.Address
	QueuedAt    int64
	Transaction txn.Compiled
}

func (r *RemoteTaskTransaction) MarshalBinary() ([]byte, error) {
	return borsh.Serialize(*r)
}

// UnmarshalBinary only accepts the canonical encoding.
func (r *RemoteTaskTransaction) UnmarshalBinary(b []byte) error {
	var out RemoteTaskTransaction
	if err := borsh.Deserialize(&out, b); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	again, err := borsh.Serialize(out)
	if err != nil || !bytes.Equal(again, b) {
		return fmt.Errorf("%w: non-canonical transaction encoding", ErrMalformed)
	}
	*r = out
	return nil
}

// Binding is what the worker knows about the task it asked for.
type Binding struct {
	Task     address.Address
	QueuedAt int64
}

func (b Binding) String() string { return fmt.Sprintf("%s@%d", b.Task, b.QueuedAt) }

// Sign produces the Response a compute service returns for rtx.
func Sign(signer txn.KeypairSigner, rtx RemoteTaskTransaction, remaining []txn.AccountMeta) (*Response, error) {
	b, err := rtx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("remote: encode: %w", err)
	}
	return &Response{Transaction: b, Signature: signer.Sign(b), RemainingAccounts: remaining}, nil
}
