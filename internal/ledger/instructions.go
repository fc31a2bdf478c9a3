package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"

	"crankd/internal/address"
	"crankd/internal/txn"
)

var queueTaskDiscriminator = discriminator("queue_task_v0")

func discriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// QueueTaskArgs are the arguments of the queue_task instruction a running
// task uses to queue a successor.
type QueueTaskArgs struct {
	// FreeSlot indexes the run's free task ids.
	FreeSlot uint8
	// Schedule is a cron expression; when set, the trigger is its next
	// occurrence after the moment the instruction executes.
	Schedule string
	// TriggerAt is used when Schedule is empty; 0 means immediate.
	TriggerAt   int64
	CrankReward uint64
	FreeTasks   uint8
	// ReserveSelf makes the successor declare its own id as free, so it can
	// requeue itself in turn.
	ReserveSelf bool
	Description string
	// Payload is a borsh-encoded Payload; empty copies the running task's.
	Payload []byte
}

// QueueTaskInstruction builds queue_task. The queue authority signs through
// its derived seeds and funder pays the successor's reward.
func QueueTaskInstruction(program, queue, funder address.Address, funderSeeds [][]byte, args QueueTaskArgs) (txn.Instruction, error) {
	data, err := borsh.Serialize(args)
	if err != nil {
		return txn.Instruction{}, fmt.Errorf("ledger: encode queue_task: %w", err)
	}
	funderRef := txn.WritableSigner(funder)
	if funderSeeds != nil {
		funderRef = txn.Placeholder(true, funderSeeds...)
	}
	return txn.Instruction{
		Program: program,
		Accounts: []txn.AccountRef{
			txn.Writable(queue),
			txn.Placeholder(false, address.QueueAuthoritySeeds()...),
			funderRef,
		},
		Data: append(bytes.Clone(queueTaskDiscriminator), data...),
	}, nil
}

// DecodeQueueTask parses queue_task instruction data.
func DecodeQueueTask(data []byte) (QueueTaskArgs, error) {
	if len(data) < len(queueTaskDiscriminator) || !bytes.Equal(data[:8], queueTaskDiscriminator) {
		return QueueTaskArgs{}, fmt.Errorf("%w: not queue_task", ErrInvalidInstruction)
	}
	var args QueueTaskArgs
	if err := borsh.Deserialize(&args, data[8:]); err != nil {
		return QueueTaskArgs{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	return args, nil
}

// EncodePayload is the form QueueTaskArgs.Payload carries.
func EncodePayload(p Payload) ([]byte, error) { return borsh.Serialize(p) }

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := borsh.Deserialize(&p, b); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrInvalidInstruction, err)
	}
	return p, nil
}

const transferTag uint32 = 2

// TransferInstruction moves amount from one wallet to another. from may be a
// derived authority placeholder when fromSeeds is set.
func TransferInstruction(from, to address.Address, fromSeeds [][]byte, amount uint64) txn.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, transferTag)
	binary.LittleEndian.PutUint64(data[4:], amount)
	fromRef := txn.WritableSigner(from)
	if fromSeeds != nil {
		fromRef = txn.Placeholder(true, fromSeeds...)
	}
	return txn.Instruction{
		Program:  SystemProgram,
		Accounts: []txn.AccountRef{fromRef, txn.Writable(to)},
		Data:     data,
	}
}

// DecodeTransfer parses transfer instruction data.
func DecodeTransfer(data []byte) (uint64, error) {
	if len(data) != 12 || binary.LittleEndian.Uint32(data) != transferTag {
		return 0, fmt.Errorf("%w: not a transfer", ErrInvalidInstruction)
	}
	return binary.LittleEndian.Uint64(data[4:]), nil
}
