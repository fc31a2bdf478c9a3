package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/near/borsh-go"
	"github.com/mr-tron/base58"

	"crankd/internal/address"
	"crankd/internal/txn"
)

// Reader is the query side. Reads are consistent per endpoint only: a worker
// may see a bitmap that is already stale by the time it submits.
type Reader interface {
	Queue(ctx context.Context, queue address.Address) (*TaskQueue, error)
	Task(ctx context.Context, task address.Address) (*Task, error)
	// Tasks returns the tasks occupying ids in queue. Vacant ids are skipped.
	Tasks(ctx context.Context, queue address.Address, ids []uint16) ([]*Task, error)
	Balance(ctx context.Context, account address.Address) (uint64, error)
}

type Submitter interface {
	Submit(ctx context.Context, tx *Transaction) (Receipt, error)
	// Simulate applies tx to a scratch copy of the state and reports what
	// Submit would do, without charging fees.
	Simulate(ctx context.Context, tx *Transaction) (Receipt, error)
}

type Client interface {
	Reader
	Submitter
}

// RemoteProof carries a compute service's signed RemoteTaskTransaction bytes
// unchanged, so the ledger can re-verify them.
type RemoteProof struct {
	Transaction []byte `json:"transaction"`
	Signature   []byte `json:"signature"`
}

// RunTask executes the task in slot TaskID, clears its bit and pays its crank
// reward to the transaction payer. FreeTaskIDs must be the task's declared
// FreeTaskIDs followed by FreeTasks additional vacant ids.
type RunTask struct {
	Queue             address.Address   `json:"queue"`
	TaskID            uint16            `json:"task_id"`
	FreeTaskIDs       []uint16          `json:"free_task_ids,omitempty"`
	Remote            *RemoteProof      `json:"remote,omitempty"`
	RemainingAccounts []txn.AccountMeta `json:"remaining_accounts,omitempty"`
}

// QueueTask sets a bit directly. Only the queue authority may do this; tasks
// queue successors through the queue_task instruction instead.
type QueueTask struct {
	Queue       address.Address `json:"queue"`
	TaskID      uint16          `json:"task_id"`
	Trigger     Trigger         `json:"trigger"`
	Payload     Payload         `json:"payload"`
	CrankReward uint64          `json:"crank_reward"`
	FreeTaskIDs []uint16        `json:"free_task_ids,omitempty"`
	FreeTasks   uint8           `json:"free_tasks,omitempty"`
	Schedule    string          `json:"schedule,omitempty"`
	Description string          `json:"description,omitempty"`
}

// DequeueTask is the admin close: the bit is cleared and the reward refunded.
type DequeueTask struct {
	Queue  address.Address `json:"queue"`
	TaskID uint16          `json:"task_id"`
}

type CreateQueue struct {
	ID             uint32 `json:"id"`
	Name           string `json:"name"`
	Capacity       uint32 `json:"capacity"`
	MinCrankReward uint64 `json:"min_crank_reward"`
	// StaleTaskAge in seconds.
	StaleTaskAge int64 `json:"stale_task_age"`
}

// Op is one operation; exactly one field is set.
type Op struct {
	RunTask     *RunTask     `json:"run_task,omitempty"`
	QueueTask   *QueueTask   `json:"queue_task,omitempty"`
	DequeueTask *DequeueTask `json:"dequeue_task,omitempty"`
	CreateQueue *CreateQueue `json:"create_queue,omitempty"`
}

func (o Op) Name() string {
	switch {
	case o.RunTask != nil:
		return "run_task"
	case o.QueueTask != nil:
		return "queue_task"
	case o.DequeueTask != nil:
		return "dequeue_task"
	case o.CreateQueue != nil:
		return "create_queue"
	default:
		return "empty"
	}
}

// Transaction applies all Ops or none.
type Transaction struct {
	Payer     address.Address `json:"payer"`
	Nonce     uint64          `json:"nonce"`
	Ops       []Op            `json:"ops"`
	Signature []byte          `json:"signature"`
}

type message struct {
	Payer address.Address
	Nonce uint64
	Ops   []Op
}

// Message is the byte string the payer signs.
func (t *Transaction) Message() ([]byte, error) {
	b, err := borsh.Serialize(message{Payer: t.Payer, Nonce: t.Nonce, Ops: t.Ops})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode message: %w", err)
	}
	return b, nil
}

// Sign sets Payer and Signature from the payer keypair.
func (t *Transaction) Sign(payer txn.KeypairSigner) error {
	t.Payer = payer.Address()
	msg, err := t.Message()
	if err != nil {
		return err
	}
	t.Signature = payer.Sign(msg)
	return nil
}

// Verify checks the payer signature.
func (t *Transaction) Verify() error {
	if len(t.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	msg, err := t.Message()
	if err != nil {
		return err
	}
	if !ed25519.Verify(t.Payer.PublicKey(), msg, t.Signature) {
		return ErrBadSignature
	}
	return nil
}

// ID is the base58 signature, used as the transaction id in logs and receipts.
func (t *Transaction) ID() string { return base58.Encode(t.Signature) }
