package policy

import (
	"fmt"
	"time"

	"crankd/internal/address"
	"crankd/internal/ledger"
	"crankd/internal/txn"
)

// Cron is a recurring task that requeues itself from within its own run.
// Each occurrence executes Work followed by a queue_task instruction that
// consumes the task's own id, declared up front in FreeTaskIDs and freed as
// the run clears its bit. The successor copies the payload and declares its
// own id again, so the chain never needs a vacant slot from the allocator.
type Cron struct {
	Program     address.Address
	Schedule    string
	CrankReward uint64
	Description string
	// FunderSeeds are the user seeds of the queue-scoped custom signer that
	// pays each successor's crank reward. It must hold enough balance.
	FunderSeeds [][]byte
}

func (c Cron) funder(queue address.Address) (txn.DerivedAuthority, error) {
	return txn.DeriveAuthority(c.Program, address.CustomSignerSeeds(queue, c.FunderSeeds...)...)
}

// Funder is the wallet that must be funded for the chain to keep running.
func (c Cron) Funder(queue address.Address) (address.Address, error) {
	f, err := c.funder(queue)
	if err != nil {
		return address.Address{}, err
	}
	return f.Address(), nil
}

// Requeue builds the self-requeue instruction.
func (c Cron) Requeue(queue address.Address) (txn.Instruction, error) {
	return ledger.QueueTaskInstruction(c.Program, queue, address.Address{}, address.CustomSignerSeeds(queue, c.FunderSeeds...), ledger.QueueTaskArgs{
		FreeSlot:    0,
		Schedule:    c.Schedule,
		CrankReward: c.CrankReward,
		ReserveSelf: true,
		Description: c.Description,
	})
}

// Authorities are the derived signers a cron payload needs resolved.
func (c Cron) Authorities(queue address.Address) ([]txn.DerivedAuthority, error) {
	qa, err := txn.DeriveAuthority(c.Program, address.QueueAuthoritySeeds()...)
	if err != nil {
		return nil, fmt.Errorf("queue authority: %w", err)
	}
	f, err := c.funder(queue)
	if err != nil {
		return nil, fmt.Errorf("cron funder: %w", err)
	}
	return []txn.DerivedAuthority{qa, f}, nil
}

// Op queues the first occurrence into slot id. extra resolves placeholders
// used by work.
func (c Cron) Op(q *ledger.TaskQueue, id uint16, work []txn.Instruction, extra []txn.DerivedAuthority, now time.Time) (*ledger.QueueTask, error) {
	if err := CheckFunding(q, c.CrankReward); err != nil {
		return nil, err
	}
	trigger, err := NextTrigger(c.Schedule, now)
	if err != nil {
		return nil, err
	}
	requeue, err := c.Requeue(q.Address)
	if err != nil {
		return nil, err
	}
	auths, err := c.Authorities(q.Address)
	if err != nil {
		return nil, err
	}
	compiled, err := txn.Compiler{Program: c.Program}.Compile(append(append([]txn.Instruction(nil), work...), requeue), append(auths, extra...))
	if err != nil {
		return nil, fmt.Errorf("compile cron payload: %w", err)
	}
	return &ledger.QueueTask{
		Queue:       q.Address,
		TaskID:      id,
		Trigger:     trigger,
		Payload:     ledger.Inline(compiled),
		CrankReward: c.CrankReward,
		FreeTaskIDs: []uint16{id},
		Schedule:    c.Schedule,
		Description: c.Description,
	}, nil
}
