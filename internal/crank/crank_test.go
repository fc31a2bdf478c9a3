package crank

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crankd/internal/address"
	"crankd/internal/clock"
	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/ledger/memory"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/storage"
	"crankd/internal/task/engine"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

// recorder remembers every transaction the worker submits.
type recorder struct {
	ledger.Client
	mu  sync.Mutex
	txs []*ledger.Transaction
}

func (r *recorder) Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	r.mu.Lock()
	r.txs = append(r.txs, tx)
	r.mu.Unlock()
	return r.Client.Submit(ctx, tx)
}

func (r *recorder) runs() map[uint16]ledger.RunTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uint16]ledger.RunTask{}
	for _, tx := range r.txs {
		for _, op := range tx.Ops {
			if op.RunTask != nil {
				out[op.RunTask.TaskID] = *op.RunTask
			}
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) RecentAudit(context.Context, string, int) ([]storage.AuditEntry, error) {
	return nil, nil
}

func (m *memStore) PruneAudit(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memStore) PutDedup(context.Context, string, time.Time) error { return nil }

func (m *memStore) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}

type harness struct {
	l     *memory.Ledger
	rec   *recorder
	clk   *clock.Manual
	admin txn.KeypairSigner
	crank txn.KeypairSigner
	q     *ledger.TaskQueue
	bus   eventbus.Bus
	store *memStore
	nonce uint64
}

func newHarness(t *testing.T, staleAge int64) *harness {
	t.Helper()
	h := &harness{clk: clock.NewManual(time.Unix(1_700_000_000, 0)), bus: eventbus.New(), store: &memStore{}}
	h.l = memory.New(memory.Options{Now: h.clk.Now})
	h.rec = &recorder{Client: h.l}
	var err error
	h.admin, err = txn.GenerateKeypair()
	require.NoError(t, err)
	h.crank, err = txn.GenerateKeypair()
	require.NoError(t, err)
	h.l.Airdrop(h.admin.Address(), 100_000_000)
	h.l.Airdrop(h.crank.Address(), 1_000_000)

	h.submit(t, ledger.Op{CreateQueue: &ledger.CreateQueue{ID: 1, Name: "crank", Capacity: 32, MinCrankReward: 1_000, StaleTaskAge: staleAge}})
	addr, _, err := address.TaskQueue(h.l.Program(), h.admin.Address(), 1)
	require.NoError(t, err)
	h.q, err = h.l.Queue(context.Background(), addr)
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T, ops ...ledger.Op) {
	t.Helper()
	h.nonce++
	tx := &ledger.Transaction{Nonce: h.nonce, Ops: ops}
	require.NoError(t, tx.Sign(h.admin))
	_, err := h.l.Submit(context.Background(), tx)
	require.NoError(t, err)
}

func (h *harness) payload(t *testing.T) ledger.Payload {
	t.Helper()
	c, err := txn.Compiler{Program: h.l.Program()}.Compile([]txn.Instruction{{
		Program:  address.Address{42},
		Accounts: []txn.AccountRef{txn.Writable(address.Address{43})},
		Data:     []byte("tick"),
	}}, nil)
	require.NoError(t, err)
	return ledger.Inline(c)
}

func (h *harness) queueTask(t *testing.T, qt ledger.QueueTask) {
	t.Helper()
	qt.Queue = h.q.Address
	if qt.CrankReward == 0 {
		qt.CrankReward = 1_000
	}
	if qt.Payload.Kind == ledger.PayloadInline && len(qt.Payload.Inline.Transaction.Instructions) == 0 {
		qt.Payload = h.payload(t)
	}
	h.submit(t, ledger.Op{QueueTask: &qt})
}

func (h *harness) worker(cfg Config, eng *engine.Service, fetcher Fetcher) *Worker {
	cfg.Queue = h.q.Address
	return New(Options{
		Config:  cfg,
		Ledger:  h.rec,
		Payer:   h.crank,
		Fetcher: fetcher,
		Engine:  eng,
		Store:   h.store,
		Bus:     h.bus,
		Now:     h.clk.Now,
		ID:      "test-worker",
		Log:     logx.Nop(),
	})
}

func (h *harness) occupied(t *testing.T, id uint16) bool {
	t.Helper()
	q, err := h.l.Queue(context.Background(), h.q.Address)
	require.NoError(t, err)
	snap, err := q.Snapshot()
	require.NoError(t, err)
	return snap.Occupied(id)
}

func (h *harness) balance(t *testing.T, a address.Address) uint64 {
	t.Helper()
	b, err := h.l.Balance(context.Background(), a)
	require.NoError(t, err)
	return b
}

func startEngine(t *testing.T, bus eventbus.Bus) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func drain(ch <-chan eventbus.Event) []TaskEvent {
	var out []TaskEvent
	for {
		select {
		case e := <-ch:
			if ev, ok := e.Data.(TaskEvent); ok {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestRunOnceExecutesDueInlineTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	for id := uint16(0); id < 3; id++ {
		h.queueTask(t, ledger.QueueTask{TaskID: id, Trigger: ledger.Immediate(), CrankReward: 2_000})
	}
	h.queueTask(t, ledger.QueueTask{TaskID: 9, Trigger: ledger.At(h.clk.Now().Add(time.Hour))})

	w := h.worker(Config{}, nil, nil)
	before := h.balance(t, h.crank.Address())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Occupied)
	assert.Equal(t, 3, stats.Due)
	assert.Equal(t, 1, stats.NotDue)
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 3, stats.Executed)
	assert.Equal(t, uint64(6_000), stats.Rewards)
	assert.Equal(t, memory.DefaultFee, stats.Fees)
	assert.Equal(t, before-memory.DefaultFee+6_000, h.balance(t, h.crank.Address()))

	for id := uint16(0); id < 3; id++ {
		assert.False(t, h.occupied(t, id))
	}
	assert.True(t, h.occupied(t, 9))
	assert.Equal(t, 3, h.store.count(storage.OutcomeExecuted))

	snap := w.Snapshot()
	assert.Equal(t, uint64(1), snap.Totals.Passes)
	assert.Equal(t, uint64(6_000), snap.Totals.Rewards)
	assert.Equal(t, "test-worker", snap.Worker)
}

func TestEmptyQueuePass(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	stats, err := h.worker(Config{}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Occupied)
	assert.Zero(t, stats.Batches)

	_, err = New(Options{Ledger: h.l, Payer: h.crank, Log: logx.Nop()}).RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNoQueue)
}

func TestBatchesRespectLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	for id := uint16(0); id < 5; id++ {
		h.queueTask(t, ledger.QueueTask{TaskID: id, Trigger: ledger.Immediate()})
	}
	stats, err := h.worker(Config{Limits: ledger.Limits{MaxOps: 2}}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 3, stats.BatchesOK)
	assert.Equal(t, 5, stats.Executed)
	assert.Len(t, h.rec.txs, 3)
}

func TestPack(t *testing.T) {
	t.Parallel()
	mk := func(accounts int) *item {
		return &item{cost: ledger.Cost{Ops: 1, Accounts: accounts, Instructions: 1, Compute: 100}}
	}
	items := []*item{mk(10), mk(10), mk(25), mk(5), mk(40)}
	batches := pack(items, ledger.Limits{MaxOps: 8, MaxAccounts: 50})
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 1)
	assert.Empty(t, pack(nil, ledger.DefaultLimits))
}

func brokeCron(t *testing.T, h *harness, id uint16) {
	t.Helper()
	c := policy.Cron{Program: h.l.Program(), Schedule: "1m", CrankReward: 1_000, FunderSeeds: [][]byte{[]byte("broke")}}
	op, err := c.Op(h.q, id, nil, nil, h.clk.Now())
	require.NoError(t, err)
	h.submit(t, ledger.Op{QueueTask: op})
}

func TestFailedBatchRetriedPerTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	h.queueTask(t, ledger.QueueTask{TaskID: 1, Trigger: ledger.Immediate()})
	brokeCron(t, h, 0)
	h.clk.Advance(time.Minute)

	events, unsub := h.bus.Subscribe(32, eventbus.TypeCrankTask)
	defer unsub()

	stats, err := h.worker(Config{}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Batches)
	assert.Zero(t, stats.BatchesOK)
	assert.Equal(t, 2, stats.BatchRetries)
	assert.Equal(t, 1, stats.Executed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3*memory.DefaultFee, stats.Fees)

	assert.True(t, h.occupied(t, 0), "failing task stays due")
	assert.False(t, h.occupied(t, 1))

	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, uint16(0), evs[0].ID)
	assert.Equal(t, storage.OutcomeFailed, evs[0].Outcome)
	assert.Equal(t, "insufficient_funds", evs[0].Reason)
}

func TestSimulateSkipsDoomedBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	brokeCron(t, h, 0)
	h.clk.Advance(time.Minute)

	stats, err := h.worker(Config{Simulate: true}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Fees)
	assert.Empty(t, h.rec.txs)
}

func TestExpiredTasksSurfacedNotRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3600)
	h.queueTask(t, ledger.QueueTask{TaskID: 2, Trigger: ledger.Immediate()})
	h.clk.Advance(2 * time.Hour)

	events, unsub := h.bus.Subscribe(32, eventbus.TypeCrankTask)
	defer unsub()
	w := h.worker(Config{}, nil, nil)

	for i := 0; i < 2; i++ {
		stats, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Expired)
		assert.Zero(t, stats.Due)
		assert.Zero(t, stats.Batches)
	}
	assert.True(t, h.occupied(t, 2))

	evs := drain(events)
	require.Len(t, evs, 2, "every pass surfaces the stale task")
	assert.Equal(t, ReasonStale, evs[0].Reason)
	assert.Equal(t, 2*time.Hour, evs[0].Age)
	assert.Equal(t, 1, h.store.count(storage.OutcomeExpired), "audit records it once")
}

func computeService(t *testing.T, h *harness) (txn.KeypairSigner, string) {
	t.Helper()
	key, err := txn.GenerateKeypair()
	require.NoError(t, err)
	build := func(_ context.Context, req remote.Request) ([]txn.Instruction, []txn.DerivedAuthority, error) {
		return []txn.Instruction{{
			Program:  address.Address{77},
			Accounts: []txn.AccountRef{txn.Writable(req.Task)},
			Data:     []byte("remote work"),
		}}, nil, nil
	}
	srv := httptest.NewServer(remote.NewHandler(key, txn.Compiler{Program: h.l.Program()}, build, logx.Nop()))
	t.Cleanup(srv.Close)
	return key, srv.URL + "/task"
}

func TestRemoteTaskThroughEngine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	key, url := computeService(t, h)
	h.queueTask(t, ledger.QueueTask{TaskID: 4, Trigger: ledger.Immediate(), Payload: ledger.Remote(url, key.Address()), CrankReward: 3_000})
	h.queueTask(t, ledger.QueueTask{TaskID: 5, Trigger: ledger.Immediate()})

	w := h.worker(Config{}, startEngine(t, h.bus), remote.NewClient(time.Second, "", logx.Nop()))
	before := h.balance(t, h.crank.Address())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemoteFetched)
	assert.Equal(t, 2, stats.Executed)
	assert.Equal(t, uint64(4_000), stats.Rewards)
	assert.False(t, h.occupied(t, 4))
	after := h.balance(t, h.crank.Address())
	assert.Equal(t, before-memory.DefaultFee+4_000, after)

	// Replaying the verified payload after it executed finds the slot empty
	// and pays nothing.
	op, ok := h.rec.runs()[4]
	require.True(t, ok)
	require.NotNil(t, op.Remote)
	stale := &ledger.Transaction{Nonce: 1, Ops: []ledger.Op{{RunTask: &op}}}
	require.NoError(t, stale.Sign(h.crank))
	rcpt, err := h.l.Submit(context.Background(), stale)
	require.ErrorIs(t, err, ledger.ErrSlotVacant)
	assert.Zero(t, rcpt.Rewards)
	assert.Equal(t, after-memory.DefaultFee, h.balance(t, h.crank.Address()))
}

// forgingService signs whatever it is asked for with key, shifting queued_at.
// The instruction touches accounts.
func forgingService(t *testing.T, h *harness, key txn.KeypairSigner, skew int64, accounts ...txn.AccountRef) string {
	t.Helper()
	compiled, err := txn.Compiler{Program: h.l.Program()}.Compile([]txn.Instruction{{Program: address.Address{77}, Accounts: accounts, Data: []byte("x")}}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remote.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := remote.Sign(key, remote.RemoteTaskTransaction{Task: req.Task, QueuedAt: req.TaskQueuedAt + skew, Transaction: *compiled}, compiled.Remaining)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRemoteRejections(t *testing.T) {
	t.Parallel()
	registered, err := txn.GenerateKeypair()
	require.NoError(t, err)
	impostor, err := txn.GenerateKeypair()
	require.NoError(t, err)

	cases := []struct {
		name       string
		key        txn.KeypairSigner
		skew       int64
		payerSigns func(payer address.Address) txn.AccountRef
		reason     string
	}{
		{"wrong signer", impostor, 0, nil, ReasonSignatureInvalid},
		{"queued_at off by one second", registered, 1, nil, ReasonBindingMismatch},
		{"payer as writable signer", registered, 0, txn.WritableSigner, ReasonPayerSigner},
		{"payer as read-only signer", registered, 0, txn.ReadOnlySigner, ReasonPayerSigner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 0)
			var accounts []txn.AccountRef
			if tc.payerSigns != nil {
				accounts = append(accounts, tc.payerSigns(h.crank.Address()))
			}
			url := forgingService(t, h, tc.key, tc.skew, accounts...)
			h.queueTask(t, ledger.QueueTask{TaskID: 3, Trigger: ledger.Immediate(), Payload: ledger.Remote(url, registered.Address())})

			events, unsub := h.bus.Subscribe(32, eventbus.TypeCrankTask)
			defer unsub()

			// No engine: fetches run on plain goroutines.
			w := h.worker(Config{}, nil, remote.NewClient(time.Second, "", logx.Nop()))
			before := h.balance(t, h.crank.Address())
			for pass := 1; pass <= 2; pass++ {
				stats, err := w.RunOnce(context.Background())
				require.NoError(t, err)
				assert.Equal(t, 1, stats.RemoteRejected)
				assert.Zero(t, stats.RemoteFetched)
				assert.Zero(t, stats.Batches)
			}
			assert.Empty(t, h.rec.txs, "rejected payloads are never submitted")
			assert.Equal(t, before, h.balance(t, h.crank.Address()), "no fee is spent on a rejected payload")
			assert.True(t, h.occupied(t, 3))

			evs := drain(events)
			require.Len(t, evs, 2)
			for _, ev := range evs {
				assert.Equal(t, storage.OutcomeRejected, ev.Outcome)
				assert.Equal(t, tc.reason, ev.Reason)
			}
			assert.Equal(t, 2, h.store.count(storage.OutcomeRejected))
		})
	}
}

func TestRemoteOutageLeavesTaskDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	key, err := txn.GenerateKeypair()
	require.NoError(t, err)
	h.queueTask(t, ledger.QueueTask{TaskID: 0, Trigger: ledger.Immediate(), Payload: ledger.Remote(srv.URL, key.Address())})
	h.queueTask(t, ledger.QueueTask{TaskID: 1, Trigger: ledger.Immediate()})

	cfg := Config{Remote: RemoteConfig{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}}
	stats, err := h.worker(cfg, startEngine(t, h.bus), remote.NewClient(time.Second, "", logx.Nop())).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemoteFailed)
	assert.Equal(t, 1, stats.Executed, "a dead compute service does not block local tasks")
	assert.True(t, h.occupied(t, 0))
	assert.Equal(t, int32(2), hits.Load(), "one attempt plus one retry")
}

func TestFreeIDsAvoidReservations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	h.queueTask(t, ledger.QueueTask{TaskID: 0, Trigger: ledger.Immediate(), FreeTaskIDs: []uint16{1}})
	h.queueTask(t, ledger.QueueTask{TaskID: 2, Trigger: ledger.Immediate(), FreeTasks: 1})
	h.queueTask(t, ledger.QueueTask{TaskID: 3, Trigger: ledger.Immediate(), FreeTasks: 2})
	h.queueTask(t, ledger.QueueTask{TaskID: 6, Trigger: ledger.At(h.clk.Now().Add(time.Hour)), FreeTaskIDs: []uint16{1}})

	stats, err := h.worker(Config{}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts, "ids 0 and 6 both claim 1")
	assert.Equal(t, 3, stats.Executed)

	runs := h.rec.runs()
	assert.Equal(t, []uint16{1}, runs[0].FreeTaskIDs)
	assert.Equal(t, []uint16{4}, runs[2].FreeTaskIDs)
	assert.Equal(t, []uint16{5, 7}, runs[3].FreeTaskIDs)
}

func TestAllocationExhaustedDefersTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	for id := uint16(1); id < 32; id++ {
		h.queueTask(t, ledger.QueueTask{TaskID: id, Trigger: ledger.At(h.clk.Now().Add(time.Hour))})
	}
	h.queueTask(t, ledger.QueueTask{TaskID: 0, Trigger: ledger.Immediate(), FreeTasks: 1})

	stats, err := h.worker(Config{}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Batches)
	assert.True(t, h.occupied(t, 0))
}

func TestCronChainAcrossPasses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	c := policy.Cron{Program: h.l.Program(), Schedule: "@every 10m", CrankReward: 1_500, FunderSeeds: [][]byte{[]byte("cron")}}
	funder, err := c.Funder(h.q.Address)
	require.NoError(t, err)
	h.l.Airdrop(funder, 100_000)
	op, err := c.Op(h.q, 6, nil, nil, h.clk.Now())
	require.NoError(t, err)
	h.submit(t, ledger.Op{QueueTask: op})

	w := h.worker(Config{}, nil, nil)
	for i := 0; i < 3; i++ {
		stats, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.NotDue, "pass %d before the trigger", i)
		assert.Zero(t, stats.Executed)

		h.clk.Advance(10 * time.Minute)
		stats, err = w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Executed, "occurrence %d", i)
		assert.True(t, h.occupied(t, 6), "successor took the freed id")
	}
	assert.Equal(t, uint64(3*1_500), w.Snapshot().Totals.Rewards)
}

func TestRunLoopAppliesConfigAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	w := h.worker(Config{PollInterval: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Snapshot().Totals.Passes >= 1 }, time.Second, 5*time.Millisecond)
	h.queueTask(t, ledger.QueueTask{TaskID: 8, Trigger: ledger.Immediate()})
	w.Apply(Config{Queue: h.q.Address, PollInterval: 10 * time.Millisecond})
	require.Eventually(t, func() bool { return w.Snapshot().Totals.Executed == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPassDelayBacksOff(t *testing.T) {
	t.Parallel()
	poll := time.Second
	assert.Equal(t, poll, passDelay(poll, 0, nil))
	assert.Equal(t, 2*time.Second, passDelay(poll, 1, nil))
	assert.Equal(t, 4*time.Second, passDelay(poll, 2, nil))
	assert.Equal(t, maxPassBackoff, passDelay(poll, 20, nil))
	assert.Equal(t, 10*time.Minute, passDelay(10*time.Minute, 3, nil), "never below the poll interval")

	rng := rand.New(rand.NewSource(1))
	for range 50 {
		d := passDelay(poll, 3, rng)
		assert.GreaterOrEqual(t, d, 6400*time.Millisecond)
		assert.LessOrEqual(t, d, 9600*time.Millisecond)
	}
}

// downLedger fails queue reads while down is set.
type downLedger struct {
	ledger.Client
	down  atomic.Bool
	reads atomic.Int32
}

func (d *downLedger) Queue(ctx context.Context, q address.Address) (*ledger.TaskQueue, error) {
	d.reads.Add(1)
	if d.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return d.Client.Queue(ctx, q)
}

func TestRunLoopBacksOffWhileLedgerDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	dl := &downLedger{Client: h.l}
	dl.down.Store(true)
	w := New(Options{
		Config: Config{Queue: h.q.Address, PollInterval: 20 * time.Millisecond},
		Ledger: dl,
		Payer:  h.crank,
		Now:    h.clk.Now,
		Log:    logx.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A fixed 20ms poll would read the queue ~20 times in 400ms; backing
	// off from 40ms it reads at most five.
	time.Sleep(400 * time.Millisecond)
	assert.LessOrEqual(t, dl.reads.Load(), int32(5))
	assert.NotEmpty(t, w.Snapshot().LastErr)

	dl.down.Store(false)
	h.queueTask(t, ledger.QueueTask{TaskID: 2, Trigger: ledger.Immediate()})
	w.Apply(Config{Queue: h.q.Address, PollInterval: 20 * time.Millisecond})
	require.Eventually(t, func() bool { return w.Snapshot().Totals.Executed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, w.Snapshot().LastErr)

	cancel()
	require.NoError(t, <-done)
}

func TestClassOf(t *testing.T) {
	t.Parallel()
	now := time.Unix(10_000, 0)
	q := &ledger.TaskQueue{StaleTaskAge: time.Minute}
	cases := []struct {
		name string
		task ledger.Task
		want Class
	}{
		{"immediate fresh", ledger.Task{Trigger: ledger.Immediate(), QueuedAt: 9_990}, ClassDue},
		{"future trigger", ledger.Task{Trigger: ledger.Trigger{Kind: ledger.TriggerTimestamp, At: 10_001}, QueuedAt: 1}, ClassNotDue},
		{"stale", ledger.Task{Trigger: ledger.Immediate(), QueuedAt: 9_000}, ClassExpired},
		{"stale age from trigger", ledger.Task{Trigger: ledger.Trigger{Kind: ledger.TriggerTimestamp, At: 9_970}, QueuedAt: 1}, ClassDue},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classOf(&tc.task, q, now), tc.name)
	}
}

func TestCheckBalancePublishesBelowFloor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	events, unsub := h.bus.Subscribe(4, eventbus.TypeCrankBalance)
	defer unsub()
	w := h.worker(Config{}, nil, nil)

	bal, err := w.CheckBalance(context.Background(), 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), bal)
	assert.Empty(t, events)

	_, err = w.CheckBalance(context.Background(), 2_000_000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, BalanceEvent{Payer: h.crank.Address().String(), Balance: 1_000_000, Min: 2_000_000}, ev.Data)
}
