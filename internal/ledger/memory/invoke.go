package memory

import (
	"fmt"

	"crankd/internal/address"
	"crankd/internal/ledger"
	"crankd/internal/policy"
	"crankd/internal/txn"
)

// invoke executes one instruction of a running task. Programs other than the
// system and task queue programs are recorded and otherwise ignored.
func (x *exec) invoke(q *ledger.TaskQueue, running *ledger.Task, freeIDs []uint16, ix txn.ResolvedInstruction) error {
	switch ix.Program {
	case ledger.SystemProgram:
		return x.transfer(ix)
	case x.l.opts.Program:
		return x.queueFromTask(q, running, freeIDs, ix)
	default:
		x.logf("invoke %s accounts=%d data=%d", ix.Program, len(ix.Accounts), len(ix.Data))
		return nil
	}
}

func (x *exec) transfer(ix txn.ResolvedInstruction) error {
	amount, err := ledger.DecodeTransfer(ix.Data)
	if err != nil {
		return err
	}
	if len(ix.Accounts) != 2 {
		return fmt.Errorf("%w: transfer wants 2 accounts", ledger.ErrInvalidInstruction)
	}
	from, to := ix.Accounts[0], ix.Accounts[1]
	if !from.IsSigner || !from.IsWritable || !to.IsWritable {
		return fmt.Errorf("%w: transfer account flags", ledger.ErrMissingSigner)
	}
	if err := x.debit(from.Pubkey, amount); err != nil {
		return err
	}
	x.st.balances[to.Pubkey] += amount
	x.logf("transfer %d %s -> %s", amount, from.Pubkey, to.Pubkey)
	return nil
}

// queueFromTask handles queue_task issued by a running task: the successor
// takes freeIDs[FreeSlot] and its reward is paid by the funder account.
func (x *exec) queueFromTask(q *ledger.TaskQueue, running *ledger.Task, freeIDs []uint16, ix txn.ResolvedInstruction) error {
	args, err := ledger.DecodeQueueTask(ix.Data)
	if err != nil {
		return err
	}
	if len(ix.Accounts) != 3 {
		return fmt.Errorf("%w: queue_task wants 3 accounts", ledger.ErrInvalidInstruction)
	}
	queueMeta, authMeta, funder := ix.Accounts[0], ix.Accounts[1], ix.Accounts[2]
	if queueMeta.Pubkey != q.Address || !queueMeta.IsWritable {
		return fmt.Errorf("%w: queue_task targets %s", ledger.ErrUnauthorized, queueMeta.Pubkey)
	}
	qa, _, err := address.QueueAuthority(x.l.opts.Program)
	if err != nil {
		return err
	}
	if authMeta.Pubkey != qa || !authMeta.IsSigner {
		return fmt.Errorf("%w: queue authority did not sign", ledger.ErrMissingSigner)
	}
	if !funder.IsSigner || !funder.IsWritable {
		return fmt.Errorf("%w: funder must sign", ledger.ErrMissingSigner)
	}
	if int(args.FreeSlot) >= len(freeIDs) {
		return fmt.Errorf("%w: free slot %d of %d", ledger.ErrInvalidFreeTasks, args.FreeSlot, len(freeIDs))
	}

	snap, err := q.Snapshot()
	if err != nil {
		return err
	}
	id := freeIDs[args.FreeSlot]
	if snap.Occupied(id) {
		return fmt.Errorf("%w: %d", ledger.ErrSlotOccupied, id)
	}
	if err := policy.CheckFunding(q, args.CrankReward); err != nil {
		return err
	}
	if err := x.debit(funder.Pubkey, args.CrankReward); err != nil {
		return err
	}

	trigger := ledger.Immediate()
	switch {
	case args.Schedule != "":
		if trigger, err = policy.NextTrigger(args.Schedule, x.now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidInstruction, err)
		}
	case args.TriggerAt != 0:
		trigger = ledger.Trigger{Kind: ledger.TriggerTimestamp, At: args.TriggerAt}
	}

	payload := running.Payload
	if len(args.Payload) > 0 {
		if payload, err = ledger.DecodePayload(args.Payload); err != nil {
			return err
		}
	}
	var free []uint16
	if args.ReserveSelf {
		free = []uint16{id}
	}

	addr, err := x.taskAddress(q.Address, id)
	if err != nil {
		return err
	}
	x.place(q, snap, &ledger.Task{
		Address:     addr,
		Queue:       q.Address,
		ID:          id,
		Trigger:     trigger,
		Payload:     payload,
		CrankReward: args.CrankReward,
		QueuedAt:    x.now.Unix(),
		FreeTaskIDs: free,
		FreeTasks:   args.FreeTasks,
		Schedule:    args.Schedule,
		Description: args.Description,
		RentRefund:  funder.Pubkey,
	})
	x.logf("requeue %s id=%d trigger=%s", addr, id, trigger)
	return nil
}
