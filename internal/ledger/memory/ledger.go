// Package memory is an in-process ledger. One mutex serializes every
// transaction, which makes it the atomic check-and-set uncoordinated workers
// race against. Transactions apply to a staged copy of the state and commit
// all-or-nothing.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"crankd/internal/address"
	"crankd/internal/clock"
	"crankd/internal/ledger"
	logx "crankd/pkg/logx"
)

const DefaultFee uint64 = 5_000

type Options struct {
	Program address.Address
	// Fee is charged to the payer of every signed transaction, including
	// failed ones.
	Fee    uint64
	Limits ledger.Limits
	Now    func() time.Time
	Log    logx.Logger
}

// Entry is one line of the append-only transaction log.
type Entry struct {
	Slot      uint64          `json:"slot"`
	Time      time.Time       `json:"time"`
	Signature string          `json:"signature"`
	Payer     address.Address `json:"payer"`
	Ops       []string        `json:"ops"`
	Rewards   uint64          `json:"rewards"`
	Err       string          `json:"err,omitempty"`
	Logs      []string        `json:"logs,omitempty"`
}

type state struct {
	queues   map[address.Address]*ledger.TaskQueue
	tasks    map[address.Address]*ledger.Task
	balances map[address.Address]uint64
}

// clone copies what ops mutate in place. Tasks are replaced, never mutated,
// so their pointers are shared.
func (s *state) clone() *state {
	out := &state{
		queues:   make(map[address.Address]*ledger.TaskQueue, len(s.queues)),
		tasks:    make(map[address.Address]*ledger.Task, len(s.tasks)),
		balances: make(map[address.Address]uint64, len(s.balances)),
	}
	for k, q := range s.queues {
		cp := *q
		cp.Bitmap = bytes.Clone(q.Bitmap)
		out.queues[k] = &cp
	}
	for k, t := range s.tasks {
		out.tasks[k] = t
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	return out
}

type Ledger struct {
	opts Options
	log  logx.Logger

	mu   sync.Mutex
	st   *state
	slot uint64
	seen map[string]struct{}
	hist []Entry
}

var _ ledger.Client = (*Ledger)(nil)

func New(opts Options) *Ledger {
	if opts.Program.IsZero() {
		opts.Program = ledger.DefaultProgram
	}
	if opts.Fee == 0 {
		opts.Fee = DefaultFee
	}
	if opts.Limits == (ledger.Limits{}) {
		opts.Limits = ledger.DefaultLimits
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return &Ledger{
		opts: opts,
		log:  opts.Log.With(logx.String("comp", "ledger.memory")),
		st: &state{
			queues:   map[address.Address]*ledger.TaskQueue{},
			tasks:    map[address.Address]*ledger.Task{},
			balances: map[address.Address]uint64{},
		},
		seen: map[string]struct{}{},
	}
}

func (l *Ledger) Program() address.Address { return l.opts.Program }

func (l *Ledger) Limits() ledger.Limits { return l.opts.Limits }

// Airdrop credits amount to account out of thin air.
func (l *Ledger) Airdrop(account address.Address, amount uint64) {
	l.mu.Lock()
	l.st.balances[account] += amount
	l.mu.Unlock()
}

func (l *Ledger) Balance(_ context.Context, account address.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.balances[account], nil
}

func (l *Ledger) Queue(_ context.Context, queue address.Address) (*ledger.TaskQueue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.st.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrQueueNotFound, queue)
	}
	cp := *q
	cp.Bitmap = bytes.Clone(q.Bitmap)
	return &cp, nil
}

func (l *Ledger) Task(_ context.Context, task address.Address) (*ledger.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.st.tasks[task]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTaskNotFound, task)
	}
	return copyTask(t), nil
}

func (l *Ledger) Tasks(_ context.Context, queue address.Address, ids []uint16) ([]*ledger.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.st.queues[queue]; !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrQueueNotFound, queue)
	}
	out := make([]*ledger.Task, 0, len(ids))
	for _, id := range ids {
		addr, _, err := address.Task(l.opts.Program, queue, id)
		if err != nil {
			return nil, err
		}
		if t, ok := l.st.tasks[addr]; ok {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

func copyTask(t *ledger.Task) *ledger.Task {
	cp := *t
	cp.FreeTaskIDs = slices.Clone(t.FreeTaskIDs)
	return &cp
}

// History returns the transaction log, oldest first.
func (l *Ledger) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.hist)
}

// Submit applies tx atomically. A correctly signed transaction pays the fee
// even when an op fails; nothing else of a failed transaction sticks.
func (l *Ledger) Submit(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if err := tx.Verify(); err != nil {
		return ledger.Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := tx.ID()
	if _, dup := l.seen[id]; dup {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyProcessed, id)
	}
	if l.st.balances[tx.Payer] < l.opts.Fee {
		return ledger.Receipt{}, fmt.Errorf("%w: fee payer %s", ledger.ErrInsufficientFunds, tx.Payer)
	}
	l.seen[id] = struct{}{}
	l.slot++
	now := l.opts.Now()

	staged := l.st.clone()
	staged.balances[tx.Payer] -= l.opts.Fee
	rcpt, err := l.apply(staged, tx, now)
	rcpt.Signature, rcpt.Slot, rcpt.Fee = id, l.slot, l.opts.Fee

	entry := Entry{Slot: l.slot, Time: now, Signature: id, Payer: tx.Payer, Rewards: rcpt.Rewards, Logs: rcpt.Logs}
	for _, op := range tx.Ops {
		entry.Ops = append(entry.Ops, op.Name())
	}
	if err != nil {
		l.st.balances[tx.Payer] -= l.opts.Fee
		entry.Err, entry.Rewards = err.Error(), 0
		l.hist = append(l.hist, entry)
		l.log.Debug("transaction failed", logx.String("sig", id), logx.Err(err))
		rcpt.Rewards = 0
		return rcpt, err
	}
	l.st = staged
	l.hist = append(l.hist, entry)
	l.log.Debug("transaction applied", logx.String("sig", id), logx.Int("ops", len(tx.Ops)), logx.Uint64("rewards", rcpt.Rewards))
	return rcpt, nil
}

// Simulate runs tx against a scratch copy. Nothing is charged or recorded.
func (l *Ledger) Simulate(ctx context.Context, tx *ledger.Transaction) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if err := tx.Verify(); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[tx.ID()]; dup {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyProcessed, tx.ID())
	}
	rcpt, err := l.apply(l.st.clone(), tx, l.opts.Now())
	rcpt.Signature, rcpt.Slot = tx.ID(), l.slot
	return rcpt, err
}
