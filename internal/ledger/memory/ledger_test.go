package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crankd/internal/address"
	"crankd/internal/clock"
	"crankd/internal/ledger"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/txn"
)

type fixture struct {
	l     *Ledger
	clk   *clock.Manual
	admin txn.KeypairSigner
	crank txn.KeypairSigner
	q     *ledger.TaskQueue
	nonce uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewManual(time.Unix(1_700_000_000, 0))}
	f.l = New(Options{Now: f.clk.Now})
	var err error
	f.admin, err = txn.GenerateKeypair()
	require.NoError(t, err)
	f.crank, err = txn.GenerateKeypair()
	require.NoError(t, err)
	f.l.Airdrop(f.admin.Address(), 10_000_000)
	f.l.Airdrop(f.crank.Address(), 1_000_000)

	_, err = f.submit(f.admin, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 1, Name: "test", Capacity: 16, MinCrankReward: 1_000, StaleTaskAge: 3600}})
	require.NoError(t, err)
	addr, _, err := address.TaskQueue(f.l.Program(), f.admin.Address(), 1)
	require.NoError(t, err)
	f.q, err = f.l.Queue(context.Background(), addr)
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(signer txn.KeypairSigner, ops ...ledger.Op) (ledger.Receipt, error) {
	f.nonce++
	tx := &ledger.Transaction{Nonce: f.nonce, Ops: ops}
	if err := tx.Sign(signer); err != nil {
		return ledger.Receipt{}, err
	}
	return f.l.Submit(context.Background(), tx)
}

func (f *fixture) balance(t *testing.T, a address.Address) uint64 {
	t.Helper()
	b, err := f.l.Balance(context.Background(), a)
	require.NoError(t, err)
	return b
}

func noopPayload(t *testing.T, program address.Address) ledger.Payload {
	t.Helper()
	c, err := txn.Compiler{Program: program}.Compile([]txn.Instruction{{
		Program:  address.Address{42},
		Accounts: []txn.AccountRef{txn.Writable(address.Address{43})},
		Data:     []byte("ping"),
	}}, nil)
	require.NoError(t, err)
	return ledger.Inline(c)
}

func (f *fixture) queueInline(t *testing.T, id uint16, reward uint64) {
	t.Helper()
	_, err := f.submit(f.admin, ledger.Op{QueueTask: &ledger.QueueTask{
		Queue: f.q.Address, TaskID: id, Trigger: ledger.Immediate(), Payload: noopPayload(t, f.l.Program()), CrankReward: reward,
	}})
	require.NoError(t, err)
}

func run(f *fixture, id uint16) ledger.Op {
	return ledger.Op{RunTask: &ledger.RunTask{Queue: f.q.Address, TaskID: id}}
}

func TestRunInlineTaskPaysRewardOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queueInline(t, 3, 2_000)

	before := f.balance(t, f.crank.Address())
	rcpt, err := f.submit(f.crank, run(f, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), rcpt.Rewards)
	assert.Equal(t, before-DefaultFee+2_000, f.balance(t, f.crank.Address()))

	q, err := f.l.Queue(context.Background(), f.q.Address)
	require.NoError(t, err)
	snap, err := q.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Occupied(3))

	// A stale resubmission from another worker loses the race and earns nothing.
	_, err = f.submit(f.crank, run(f, 3))
	assert.ErrorIs(t, err, ledger.ErrSlotVacant)
	assert.True(t, ledger.IsRace(err))
	assert.Equal(t, before-2*DefaultFee+2_000, f.balance(t, f.crank.Address()))
}

func TestDuplicateSignatureRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queueInline(t, 0, 1_000)

	tx := &ledger.Transaction{Nonce: 99, Ops: []ledger.Op{run(f, 0)}}
	require.NoError(t, tx.Sign(f.crank))
	_, err := f.l.Submit(context.Background(), tx)
	require.NoError(t, err)
	_, err = f.l.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
}

func TestTamperedTransactionRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tx := &ledger.Transaction{Nonce: 1, Ops: []ledger.Op{run(f, 0)}}
	require.NoError(t, tx.Sign(f.crank))
	tx.Ops[0].RunTask.TaskID = 1
	_, err := f.l.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ledger.ErrBadSignature)
}

func TestFailedTransactionIsAtomic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queueInline(t, 1, 1_000)

	before := f.balance(t, f.crank.Address())
	_, err := f.submit(f.crank, run(f, 1), run(f, 2))
	require.ErrorIs(t, err, ledger.ErrSlotVacant)
	assert.Contains(t, err.Error(), "op 1 (run_task)")

	task, err := f.l.Tasks(context.Background(), f.q.Address, []uint16{1})
	require.NoError(t, err)
	assert.Len(t, task, 1, "first op must be rolled back")
	assert.Equal(t, before-DefaultFee, f.balance(t, f.crank.Address()))

	h := f.l.History()
	assert.NotEmpty(t, h[len(h)-1].Err)
}

func TestQueueTaskRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	op := func(id uint16, reward uint64) ledger.Op {
		return ledger.Op{QueueTask: &ledger.QueueTask{Queue: f.q.Address, TaskID: id, Payload: noopPayload(t, f.l.Program()), CrankReward: reward}}
	}

	_, err := f.submit(f.crank, op(0, 1_000))
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.submit(f.admin, op(0, 10))
	assert.ErrorIs(t, err, ledger.ErrUnderfunded)
	_, err = f.submit(f.admin, op(16, 1_000))
	assert.ErrorIs(t, err, ledger.ErrIDOutOfRange)
	_, err = f.submit(f.admin, op(0, 1_000))
	require.NoError(t, err)
	_, err = f.submit(f.admin, op(0, 1_000))
	assert.ErrorIs(t, err, ledger.ErrSlotOccupied)
}

func TestNotDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.submit(f.admin, ledger.Op{QueueTask: &ledger.QueueTask{
		Queue: f.q.Address, TaskID: 5, Trigger: ledger.At(f.clk.Now().Add(time.Minute)), Payload: noopPayload(t, f.l.Program()), CrankReward: 1_000,
	}})
	require.NoError(t, err)

	_, err = f.submit(f.crank, run(f, 5))
	assert.ErrorIs(t, err, ledger.ErrNotDue)
	f.clk.Advance(time.Minute)
	_, err = f.submit(f.crank, run(f, 5))
	assert.NoError(t, err)
}

func TestDequeueRefunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queueInline(t, 2, 4_000)
	before := f.balance(t, f.admin.Address())
	_, err := f.submit(f.admin, ledger.Op{DequeueTask: &ledger.DequeueTask{Queue: f.q.Address, TaskID: 2}})
	require.NoError(t, err)
	assert.Equal(t, before-DefaultFee+4_000, f.balance(t, f.admin.Address()))
	_, err = f.submit(f.crank, run(f, 2))
	assert.ErrorIs(t, err, ledger.ErrSlotVacant)
}

func TestCreateQueueTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.submit(f.admin, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 1, Capacity: 8}})
	assert.ErrorIs(t, err, ledger.ErrQueueExists)
}

func TestFreeTaskIDsValidated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.submit(f.admin, ledger.Op{QueueTask: &ledger.QueueTask{
		Queue: f.q.Address, TaskID: 0, Payload: noopPayload(t, f.l.Program()), CrankReward: 1_000, FreeTaskIDs: []uint16{0}, FreeTasks: 1,
	}})
	require.NoError(t, err)
	f.queueInline(t, 1, 1_000)

	withFree := func(ids ...uint16) ledger.Op {
		return ledger.Op{RunTask: &ledger.RunTask{Queue: f.q.Address, TaskID: 0, FreeTaskIDs: ids}}
	}
	_, err = f.submit(f.crank, withFree(0))
	assert.ErrorIs(t, err, ledger.ErrInvalidFreeTasks, "missing extra id")
	_, err = f.submit(f.crank, withFree(0, 1))
	assert.ErrorIs(t, err, ledger.ErrInvalidFreeTasks, "extra id occupied")
	_, err = f.submit(f.crank, withFree(2, 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidFreeTasks, "declared ids must come first")
	_, err = f.submit(f.crank, withFree(0, 2))
	assert.NoError(t, err)
}

func TestRemoteTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	service, err := txn.GenerateKeypair()
	require.NoError(t, err)

	_, err = f.submit(f.admin, ledger.Op{QueueTask: &ledger.QueueTask{
		Queue: f.q.Address, TaskID: 7, Payload: ledger.Remote("http://compute.local/task", service.Address()), CrankReward: 3_000,
	}})
	require.NoError(t, err)
	tasks, err := f.l.Tasks(context.Background(), f.q.Address, []uint16{7})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]

	compiled, err := txn.Compiler{Program: f.l.Program()}.Compile([]txn.Instruction{{Program: address.Address{42}, Data: []byte("remote")}}, nil)
	require.NoError(t, err)
	respond := func(key txn.KeypairSigner, queuedAt int64) ledger.Op {
		resp, err := remote.Sign(key, remote.RemoteTaskTransaction{Task: task.Address, QueuedAt: queuedAt, Transaction: *compiled}, compiled.Remaining)
		require.NoError(t, err)
		return ledger.Op{RunTask: &ledger.RunTask{
			Queue:             f.q.Address,
			TaskID:            7,
			Remote:            &ledger.RemoteProof{Transaction: resp.Transaction, Signature: resp.Signature},
			RemainingAccounts: resp.RemainingAccounts,
		}}
	}

	_, err = f.submit(f.crank, run(f, 7))
	assert.ErrorIs(t, err, ledger.ErrMissingRemoteProof)

	_, err = f.submit(f.crank, respond(service, task.QueuedAt+1))
	assert.ErrorIs(t, err, ledger.ErrQueuedAtMismatch)

	_, err = f.submit(f.crank, respond(f.crank, task.QueuedAt))
	assert.ErrorIs(t, err, ledger.ErrBadSignature)

	good := respond(service, task.QueuedAt)
	rcpt, err := f.submit(f.crank, good)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000), rcpt.Rewards)

	// Replaying the same verified payload finds the slot empty.
	rcpt, err = f.submit(f.crank, good)
	assert.ErrorIs(t, err, ledger.ErrSlotVacant)
	assert.Zero(t, rcpt.Rewards)
}

func TestCronChainRequeuesIntoOwnID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := policy.Cron{Program: f.l.Program(), Schedule: "@every 10m", CrankReward: 1_500, FunderSeeds: [][]byte{[]byte("cron")}}
	funder, err := c.Funder(f.q.Address)
	require.NoError(t, err)
	f.l.Airdrop(funder, 10_000)

	op, err := c.Op(f.q, 6, nil, nil, f.clk.Now())
	require.NoError(t, err)
	_, err = f.submit(f.admin, ledger.Op{QueueTask: op})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clk.Advance(10 * time.Minute)
		rcpt, err := f.submit(f.crank, ledger.Op{RunTask: &ledger.RunTask{
			Queue: f.q.Address, TaskID: 6, FreeTaskIDs: []uint16{6}, RemainingAccounts: op.Payload.Inline.Remaining,
		}})
		require.NoError(t, err, "occurrence %d", i)
		assert.Equal(t, uint64(1_500), rcpt.Rewards)

		tasks, err := f.l.Tasks(context.Background(), f.q.Address, []uint16{6})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		next := tasks[0]
		assert.Equal(t, []uint16{6}, next.FreeTaskIDs)
		assert.Equal(t, f.clk.Now().Add(10*time.Minute).Unix(), next.Trigger.At)
		assert.Equal(t, f.clk.Now().Unix(), next.QueuedAt)
		assert.Equal(t, funder, next.RentRefund)
	}
	assert.Equal(t, uint64(10_000-3*1_500), f.balance(t, funder))
}

func TestCronChainStopsWhenFunderEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := policy.Cron{Program: f.l.Program(), Schedule: "1m", CrankReward: 1_000, FunderSeeds: [][]byte{[]byte("broke")}}
	op, err := c.Op(f.q, 0, nil, nil, f.clk.Now())
	require.NoError(t, err)
	_, err = f.submit(f.admin, ledger.Op{QueueTask: op})
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	_, err = f.submit(f.crank, ledger.Op{RunTask: &ledger.RunTask{Queue: f.q.Address, TaskID: 0, FreeTaskIDs: []uint16{0}}})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestTransactionLimits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.l.opts.Limits = ledger.Limits{MaxOps: 2}
	for id := uint16(0); id < 3; id++ {
		f.queueInline(t, id, 1_000)
	}
	_, err := f.submit(f.crank, run(f, 0), run(f, 1), run(f, 2))
	assert.ErrorIs(t, err, ledger.ErrTransactionTooLarge)
	_, err = f.submit(f.crank, run(f, 0), run(f, 1))
	assert.NoError(t, err)
}

func TestSimulateDoesNotCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queueInline(t, 4, 1_000)
	before := f.balance(t, f.crank.Address())

	tx := &ledger.Transaction{Nonce: 500, Ops: []ledger.Op{run(f, 4)}}
	require.NoError(t, tx.Sign(f.crank))
	rcpt, err := f.l.Simulate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), rcpt.Rewards)
	assert.Equal(t, ledger.ComputePerRun+ledger.ComputePerInstruction, rcpt.ComputeUnits)
	assert.Equal(t, before, f.balance(t, f.crank.Address()))

	_, err = f.l.Submit(context.Background(), tx)
	assert.NoError(t, err)
}
