// Package ledger is the worker's view of the ledger that owns task queues:
// the account types it reads, the operations it submits and the error
// taxonomy it gets back. Consensus and execution live on the other side of
// Client; internal/ledger/memory emulates them in-process.
package ledger

import (
	"fmt"
	"time"

	"crankd/internal/address"
	"crankd/internal/bitmap"
	"crankd/internal/txn"
)

var (
	// DefaultProgram is the task queue program id derived authorities resolve under.
	DefaultProgram = address.MustParse("4n2KBA9MYQz2B86HzEGTzdHJavPknK6h7th3Kib8g8pa")
	// SystemProgram moves balances between wallets.
	SystemProgram = address.MustParse("11111111111111111111111111111111")
)

type TaskQueue struct {
	Address        address.Address `json:"address"`
	ID             uint32          `json:"id"`
	Name           string          `json:"name"`
	Authority      address.Address `json:"authority"`
	Capacity       uint32          `json:"capacity"`
	Bitmap         []byte          `json:"bitmap"`
	MinCrankReward uint64          `json:"min_crank_reward"`
	StaleTaskAge   time.Duration   `json:"stale_task_age"`
}

// Snapshot copies the bitmap into an immutable allocator view.
func (q *TaskQueue) Snapshot() (bitmap.Snapshot, error) {
	s, err := bitmap.FromBytes(q.Bitmap, int(q.Capacity))
	if err != nil {
		return bitmap.Snapshot{}, fmt.Errorf("queue %s: %w", q.Address, err)
	}
	return s, nil
}

type TriggerKind uint8

const (
	TriggerImmediate TriggerKind = iota
	TriggerTimestamp
)

type Trigger struct {
	Kind TriggerKind `json:"kind"`
	At   int64       `json:"at,omitempty"`
}

func Immediate() Trigger { return Trigger{Kind: TriggerImmediate} }

func At(t time.Time) Trigger { return Trigger{Kind: TriggerTimestamp, At: t.Unix()} }

// Due reports whether the trigger is satisfied at now.
func (t Trigger) Due(now time.Time) bool {
	switch t.Kind {
	case TriggerImmediate:
		return true
	case TriggerTimestamp:
		return now.Unix() >= t.At
	default:
		return false
	}
}

func (t Trigger) String() string {
	if t.Kind == TriggerTimestamp {
		return time.Unix(t.At, 0).UTC().Format(time.RFC3339)
	}
	return "immediate"
}

type PayloadKind uint8

const (
	PayloadInline PayloadKind = iota
	PayloadRemote
)

func (k PayloadKind) String() string {
	if k == PayloadRemote {
		return "remote"
	}
	return "inline"
}

// InlinePayload is a transaction compiled at queue time. Remaining is stored
// next to it because the runner has to hand it back out-of-band.
type InlinePayload struct {
	Transaction txn.Compiled      `json:"transaction"`
	Remaining   []txn.AccountMeta `json:"remaining"`
}

// RemotePayload delegates building the transaction to a compute service.
// Signer is the service's registered ed25519 key.
type RemotePayload struct {
	URL    string          `json:"url"`
	Signer address.Address `json:"signer"`
}

// Payload is a tagged union; only the field selected by Kind is meaningful.
type Payload struct {
	Kind   PayloadKind   `json:"kind"`
	Inline InlinePayload `json:"inline"`
	Remote RemotePayload `json:"remote"`
}

func Inline(c *txn.Compiled) Payload {
	return Payload{Kind: PayloadInline, Inline: InlinePayload{Transaction: *c, Remaining: c.Remaining}}
}

func Remote(url string, signer address.Address) Payload {
	return Payload{Kind: PayloadRemote, Remote: RemotePayload{URL: url, Signer: signer}}
}

type Task struct {
	Address     address.Address `json:"address"`
	Queue       address.Address `json:"queue"`
	ID          uint16          `json:"id"`
	Trigger     Trigger         `json:"trigger"`
	Payload     Payload         `json:"payload"`
	CrankReward uint64          `json:"crank_reward"`
	QueuedAt    int64           `json:"queued_at"`
	// FreeTaskIDs are ids this task's completion hands to a successor.
	FreeTaskIDs []uint16 `json:"free_task_ids,omitempty"`
	// FreeTasks is how many additional vacant ids the runner must supply.
	FreeTasks   uint8           `json:"free_tasks,omitempty"`
	Schedule    string          `json:"schedule,omitempty"`
	Description string          `json:"description,omitempty"`
	RentRefund  address.Address `json:"rent_refund"`
}

// Age is how long the task has been queued at now.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.QueuedAt, 0))
}

// Receipt is what Submit and Simulate report back.
type Receipt struct {
	Signature    string   `json:"signature"`
	Slot         uint64   `json:"slot"`
	Fee          uint64   `json:"fee"`
	Rewards      uint64   `json:"rewards"`
	ComputeUnits uint64   `json:"compute_units"`
	Logs         []string `json:"logs,omitempty"`
}
