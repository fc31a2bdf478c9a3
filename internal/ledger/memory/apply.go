package memory

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"crankd/internal/address"
	"crankd/internal/bitmap"
	"crankd/internal/ledger"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/txn"
)

// exec carries one transaction through its ops.
type exec struct {
	l     *Ledger
	st    *state
	payer address.Address
	now   time.Time
	cost  ledger.Cost
	rcpt  ledger.Receipt
}

func (l *Ledger) apply(st *state, tx *ledger.Transaction, now time.Time) (ledger.Receipt, error) {
	x := &exec{l: l, st: st, payer: tx.Payer, now: now}
	if len(tx.Ops) == 0 {
		return x.rcpt, fmt.Errorf("%w: no ops", ledger.ErrInvalidInstruction)
	}
	for i, op := range tx.Ops {
		var err error
		switch {
		case op.RunTask != nil:
			err = x.runTask(op.RunTask)
		case op.QueueTask != nil:
			err = x.queueTask(op.QueueTask)
		case op.DequeueTask != nil:
			err = x.dequeueTask(op.DequeueTask)
		case op.CreateQueue != nil:
			err = x.createQueue(op.CreateQueue)
		default:
			err = fmt.Errorf("%w: empty op", ledger.ErrInvalidInstruction)
		}
		if err == nil {
			err = l.opts.Limits.Check(x.cost)
		}
		if err != nil {
			return x.rcpt, fmt.Errorf("op %d (%s): %w", i, op.Name(), err)
		}
	}
	x.rcpt.ComputeUnits = x.cost.Compute
	return x.rcpt, nil
}

func (x *exec) logf(format string, args ...any) {
	x.rcpt.Logs = append(x.rcpt.Logs, fmt.Sprintf(format, args...))
}

func (x *exec) queue(addr address.Address) (*ledger.TaskQueue, bitmap.Snapshot, error) {
	q, ok := x.st.queues[addr]
	if !ok {
		return nil, bitmap.Snapshot{}, fmt.Errorf("%w: %s", ledger.ErrQueueNotFound, addr)
	}
	snap, err := q.Snapshot()
	return q, snap, err
}

func (x *exec) debit(account address.Address, amount uint64) error {
	if x.st.balances[account] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ledger.ErrInsufficientFunds, account, x.st.balances[account], amount)
	}
	x.st.balances[account] -= amount
	return nil
}

func (x *exec) taskAddress(queue address.Address, id uint16) (address.Address, error) {
	a, _, err := address.Task(x.l.opts.Program, queue, id)
	return a, err
}

// place sets the bit for t.ID and stores t.
func (x *exec) place(q *ledger.TaskQueue, snap bitmap.Snapshot, t *ledger.Task) {
	q.Bitmap = snap.With(t.ID).Bytes()
	x.st.tasks[t.Address] = t
}

func (x *exec) runTask(op *ledger.RunTask) error {
	q, snap, err := x.queue(op.Queue)
	if err != nil {
		return err
	}
	if int(op.TaskID) >= snap.Capacity() {
		return fmt.Errorf("%w: %d", ledger.ErrIDOutOfRange, op.TaskID)
	}
	if !snap.Occupied(op.TaskID) {
		return fmt.Errorf("%w: %d", ledger.ErrSlotVacant, op.TaskID)
	}
	taskAddr, err := x.taskAddress(q.Address, op.TaskID)
	if err != nil {
		return err
	}
	t, ok := x.st.tasks[taskAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTaskNotFound, taskAddr)
	}
	if !t.Trigger.Due(x.now) {
		return fmt.Errorf("%w: %s until %s", ledger.ErrNotDue, taskAddr, t.Trigger)
	}
	if err := checkFreeIDs(t, op.FreeTaskIDs, snap); err != nil {
		return err
	}

	ixs, derived, err := x.resolve(t, op)
	if err != nil {
		return err
	}
	if err := txn.CheckSigners(ixs, nil, derived); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrMissingSigner, err)
	}
	x.cost = x.cost.Add(ledger.RunCost(ixs))

	// The bit clears before the payload runs so the task may requeue into
	// its own id.
	q.Bitmap = snap.Without(t.ID).Bytes()
	delete(x.st.tasks, taskAddr)

	for i, ix := range ixs {
		if err := x.invoke(q, t, op.FreeTaskIDs, ix); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	x.st.balances[x.payer] += t.CrankReward
	x.rcpt.Rewards += t.CrankReward
	x.logf("run %s id=%d reward=%d", taskAddr, t.ID, t.CrankReward)
	return nil
}

// checkFreeIDs wants the task's declared ids followed by exactly FreeTasks
// distinct vacant ids inside the queue.
func checkFreeIDs(t *ledger.Task, ids []uint16, snap bitmap.Snapshot) error {
	if len(ids) != len(t.FreeTaskIDs)+int(t.FreeTasks) || !slices.Equal(ids[:len(t.FreeTaskIDs)], t.FreeTaskIDs) {
		return fmt.Errorf("%w: got %v, task declares %v plus %d", ledger.ErrInvalidFreeTasks, ids, t.FreeTaskIDs, t.FreeTasks)
	}
	seen := map[uint16]struct{}{}
	for i, id := range ids {
		if _, dup := seen[id]; dup || int(id) >= snap.Capacity() {
			return fmt.Errorf("%w: id %d", ledger.ErrInvalidFreeTasks, id)
		}
		seen[id] = struct{}{}
		if i >= len(t.FreeTaskIDs) && snap.Occupied(id) {
			return fmt.Errorf("%w: id %d is occupied", ledger.ErrInvalidFreeTasks, id)
		}
	}
	return nil
}

// resolve turns the task payload into instructions plus the derived signers
// its compiled form proves.
func (x *exec) resolve(t *ledger.Task, op *ledger.RunTask) ([]txn.ResolvedInstruction, map[address.Address]struct{}, error) {
	var compiled txn.Compiled
	var ixs []txn.ResolvedInstruction

	switch t.Payload.Kind {
	case ledger.PayloadInline:
		compiled = t.Payload.Inline.Transaction
		var err error
		if ixs, err = compiled.Decompile(op.RemainingAccounts); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInstruction, err)
		}
	case ledger.PayloadRemote:
		if op.Remote == nil {
			return nil, nil, ledger.ErrMissingRemoteProof
		}
		resp := &remote.Response{Transaction: op.Remote.Transaction, Signature: op.Remote.Signature, RemainingAccounts: op.RemainingAccounts}
		v, err := remote.Verify(resp, t.Payload.Remote.Signer, remote.Binding{Task: t.Address, QueuedAt: t.QueuedAt})
		switch {
		case errors.Is(err, remote.ErrBindingMismatch):
			return nil, nil, fmt.Errorf("%w: %v", ledger.ErrQueuedAtMismatch, err)
		case errors.Is(err, remote.ErrSignatureInvalid):
			return nil, nil, fmt.Errorf("%w: %v", ledger.ErrBadSignature, err)
		case err != nil:
			return nil, nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInstruction, err)
		}
		compiled, ixs = v.Transaction(), v.Instructions()
	default:
		return nil, nil, fmt.Errorf("%w: payload kind %d", ledger.ErrInvalidInstruction, t.Payload.Kind)
	}

	derived, err := compiled.DerivedSigners(x.l.opts.Program)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrMissingSigner, err)
	}
	return ixs, derived, nil
}

func (x *exec) queueTask(op *ledger.QueueTask) error {
	q, snap, err := x.queue(op.Queue)
	if err != nil {
		return err
	}
	if x.payer != q.Authority {
		return fmt.Errorf("%w: %s is not the queue authority", ledger.ErrUnauthorized, x.payer)
	}
	if int(op.TaskID) >= snap.Capacity() {
		return fmt.Errorf("%w: %d", ledger.ErrIDOutOfRange, op.TaskID)
	}
	if snap.Occupied(op.TaskID) {
		return fmt.Errorf("%w: %d", ledger.ErrSlotOccupied, op.TaskID)
	}
	if err := policy.CheckFunding(q, op.CrankReward); err != nil {
		return err
	}
	for _, id := range op.FreeTaskIDs {
		if int(id) >= snap.Capacity() {
			return fmt.Errorf("%w: free id %d", ledger.ErrIDOutOfRange, id)
		}
	}
	if op.Payload.Kind == ledger.PayloadInline {
		if _, err := op.Payload.Inline.Transaction.Decompile(op.Payload.Inline.Remaining); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidInstruction, err)
		}
	}
	if err := x.debit(x.payer, op.CrankReward); err != nil {
		return err
	}
	addr, err := x.taskAddress(q.Address, op.TaskID)
	if err != nil {
		return err
	}
	x.place(q, snap, &ledger.Task{
		Address:     addr,
		Queue:       q.Address,
		ID:          op.TaskID,
		Trigger:     op.Trigger,
		Payload:     op.Payload,
		CrankReward: op.CrankReward,
		QueuedAt:    x.now.Unix(),
		FreeTaskIDs: slices.Clone(op.FreeTaskIDs),
		FreeTasks:   op.FreeTasks,
		Schedule:    op.Schedule,
		Description: op.Description,
		RentRefund:  x.payer,
	})
	x.cost = x.cost.Add(ledger.Cost{Ops: 1, Accounts: 3, Compute: ledger.ComputePerRun})
	x.logf("queue %s id=%d trigger=%s", addr, op.TaskID, op.Trigger)
	return nil
}

func (x *exec) dequeueTask(op *ledger.DequeueTask) error {
	q, snap, err := x.queue(op.Queue)
	if err != nil {
		return err
	}
	if x.payer != q.Authority {
		return fmt.Errorf("%w: %s is not the queue authority", ledger.ErrUnauthorized, x.payer)
	}
	if int(op.TaskID) >= snap.Capacity() || !snap.Occupied(op.TaskID) {
		return fmt.Errorf("%w: %d", ledger.ErrSlotVacant, op.TaskID)
	}
	addr, err := x.taskAddress(q.Address, op.TaskID)
	if err != nil {
		return err
	}
	t, ok := x.st.tasks[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTaskNotFound, addr)
	}
	q.Bitmap = snap.Without(op.TaskID).Bytes()
	delete(x.st.tasks, addr)
	x.st.balances[t.RentRefund] += t.CrankReward
	x.cost = x.cost.Add(ledger.Cost{Ops: 1, Accounts: 3, Compute: ledger.ComputePerRun})
	x.logf("dequeue %s id=%d refund=%d", addr, op.TaskID, t.CrankReward)
	return nil
}

func (x *exec) createQueue(op *ledger.CreateQueue) error {
	if op.Capacity == 0 || op.Capacity > bitmap.MaxCapacity {
		return fmt.Errorf("%w: capacity %d", ledger.ErrInvalidInstruction, op.Capacity)
	}
	addr, _, err := address.TaskQueue(x.l.opts.Program, x.payer, op.ID)
	if err != nil {
		return err
	}
	if _, exists := x.st.queues[addr]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrQueueExists, addr)
	}
	x.st.queues[addr] = &ledger.TaskQueue{
		Address:        addr,
		ID:             op.ID,
		Name:           op.Name,
		Authority:      x.payer,
		Capacity:       op.Capacity,
		Bitmap:         bitmap.New(int(op.Capacity)).Bytes(),
		MinCrankReward: op.MinCrankReward,
		StaleTaskAge:   time.Duration(op.StaleTaskAge) * time.Second,
	}
	x.cost = x.cost.Add(ledger.Cost{Ops: 1, Accounts: 2, Compute: ledger.ComputePerRun})
	x.logf("create queue %s capacity=%d", addr, op.Capacity)
	return nil
}
