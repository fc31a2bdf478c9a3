package crank

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"crankd/internal/bitmap"
	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/storage"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

// item is one due task moving through a pass.
type item struct {
	task     *ledger.Task
	life     *remote.Lifecycle
	verified *remote.Verified
	ixs      []txn.ResolvedInstruction
	op       ledger.RunTask
	cost     ledger.Cost
	started  time.Time
}

type pass struct {
	w     *Worker
	cfg   Config
	q     *ledger.TaskQueue
	snap  bitmap.Snapshot
	stats PassStats
}

func (p *pass) log() logx.Logger {
	return p.w.log.With(logx.String("pass", p.stats.Pass))
}

func (p *pass) run(ctx context.Context) error {
	q, err := p.w.loadQueue(ctx, p.cfg.Queue)
	if err != nil {
		return err
	}
	snap, err := q.Snapshot()
	if err != nil {
		return err
	}
	p.q, p.snap = q, snap

	occupied := snap.OccupiedIDs()
	p.stats.Occupied = len(occupied)
	if len(occupied) == 0 {
		return nil
	}
	tasks, err := p.w.ledger.Tasks(ctx, q.Address, occupied)
	if err != nil {
		return fmt.Errorf("crank: read tasks: %w", err)
	}

	res, conflicts := p.w.reservations(p.stats.Pass, tasks)
	p.stats.Conflicts = conflicts

	due := p.classify(ctx, tasks)
	if len(due) == 0 {
		return nil
	}

	var local, remotes []*item
	for _, it := range due {
		if it.task.Payload.Kind == ledger.PayloadRemote {
			remotes = append(remotes, it)
		} else {
			local = append(local, it)
		}
	}
	ready := local
	if len(remotes) > 0 {
		ready = append(ready, p.fetchRemote(ctx, remotes)...)
	}

	excluded := res.Excluded()
	var runnable []*item
	for _, it := range ready {
		if err := p.prepare(it, excluded); err != nil {
			p.failLocal(ctx, it, err)
			continue
		}
		runnable = append(runnable, it)
	}

	for i, batch := range pack(runnable, p.cfg.Limits) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.runBatch(ctx, i, batch)
	}
	return nil
}

// classify sorts tasks into not due, expired and due. Due tasks come back
// oldest first and capped at MaxTasksPerPass.
func (p *pass) classify(ctx context.Context, tasks []*ledger.Task) []*item {
	now := p.w.now()
	var due []*item
	expired := map[remote.Binding]struct{}{}
	var stale []*ledger.Task
	for _, t := range tasks {
		switch classOf(t, p.q, now) {
		case ClassNotDue:
			p.stats.NotDue++
		case ClassExpired:
			stale = append(stale, t)
			expired[remote.Binding{Task: t.Address, QueuedAt: t.QueuedAt}] = struct{}{}
		case ClassDue:
			it := &item{task: t, life: remote.NewLifecycle(), started: now}
			_ = it.life.Advance(remote.StateDue)
			due = append(due, it)
		}
	}
	p.w.pruneReported(expired)
	p.stats.Expired = len(stale)
	for _, t := range stale {
		p.expire(ctx, t, now)
	}

	slices.SortStableFunc(due, func(a, b *item) int {
		if c := policy.DueAt(a.task).Compare(policy.DueAt(b.task)); c != 0 {
			return c
		}
		return cmp.Compare(a.task.ID, b.task.ID)
	})
	if limit := p.cfg.MaxTasksPerPass; limit > 0 && len(due) > limit {
		p.stats.Deferred = len(due) - limit
		due = due[:limit]
	}
	p.stats.Due = len(due)
	return due
}

func classOf(t *ledger.Task, q *ledger.TaskQueue, now time.Time) Class {
	switch {
	case !t.Trigger.Due(now):
		return ClassNotDue
	case policy.Expired(t, q, now):
		return ClassExpired
	default:
		return ClassDue
	}
}

// expire surfaces a stale task. It is never run; an operator dequeues it.
func (p *pass) expire(ctx context.Context, t *ledger.Task, now time.Time) {
	age := now.Sub(policy.DueAt(t))
	p.w.publish(eventbus.TypeCrankTask, TaskEvent{
		Pass: p.stats.Pass, Queue: p.stats.Queue, Task: t.Address.String(), ID: t.ID,
		Outcome: storage.OutcomeExpired, Reason: ReasonStale, Age: age,
	})
	if !p.w.firstReport(remote.Binding{Task: t.Address, QueuedAt: t.QueuedAt}) {
		return
	}
	p.log().Warn("task expired",
		logx.Stringer("task", t.Address),
		logx.Int("id", int(t.ID)),
		logx.Duration("age", age),
		logx.Duration("stale_after", p.q.StaleTaskAge),
	)
	p.w.audit(ctx, storage.AuditEntry{
		Pass: p.stats.Pass, Queue: p.stats.Queue, Task: t.Address.String(), TaskID: t.ID,
		Outcome: storage.OutcomeExpired, Error: fmt.Sprintf("due for %s", age.Truncate(time.Second)),
	})
}

// prepare fills the RunTask op: payload proof, remaining accounts, successor
// ids and cost. excluded grows by the ids handed out.
func (p *pass) prepare(it *item, excluded map[uint16]struct{}) error {
	t := it.task
	op := ledger.RunTask{Queue: p.q.Address, TaskID: t.ID}

	switch t.Payload.Kind {
	case ledger.PayloadInline:
		remaining := t.Payload.Inline.Remaining
		ixs, err := t.Payload.Inline.Transaction.Decompile(remaining)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformedPayload, err)
		}
		it.ixs = ixs
		op.RemainingAccounts = slices.Clone(remaining)
	case ledger.PayloadRemote:
		v := it.verified
		if v == nil {
			return fmt.Errorf("%w: remote task without a verified response", errMalformedPayload)
		}
		raw, sig := v.Proof()
		it.ixs = v.Instructions()
		op.Remote = &ledger.RemoteProof{Transaction: raw, Signature: sig}
		op.RemainingAccounts = v.Remaining()
	default:
		return fmt.Errorf("%w: payload kind %d", errMalformedPayload, t.Payload.Kind)
	}

	free := slices.Clone(t.FreeTaskIDs)
	if n := int(t.FreeTasks); n > 0 {
		ids := bitmap.AllocateExcluding(p.snap, n, excluded)
		if len(ids) < n {
			return fmt.Errorf("%w: need %d free ids, found %d", errExhausted, n, len(ids))
		}
		for _, id := range ids {
			excluded[id] = struct{}{}
		}
		free = append(free, ids...)
	}
	op.FreeTaskIDs = free

	it.cost = ledger.RunCost(it.ixs)
	if err := p.cfg.Limits.Check(it.cost); err != nil {
		return err
	}
	it.op = op
	return nil
}

var (
	errMalformedPayload = errors.New("crank: malformed payload")
	errExhausted        = errors.New("crank: not enough free task ids")
)

// failLocal records a task that could not be prepared. It stays in the
// bitmap; most causes clear up by themselves (free ids come back, a remote
// service is fixed) while a task too large for any transaction needs an
// operator.
func (p *pass) failLocal(ctx context.Context, it *item, err error) {
	reason := ""
	switch {
	case errors.Is(err, errExhausted):
		reason = ReasonExhausted
		p.stats.Deferred++
		p.log().Debug("task deferred", logx.Stringer("task", it.task.Address), logx.Err(err))
	case errors.Is(err, ledger.ErrTransactionTooLarge):
		reason = ReasonTooLarge
		p.stats.Failed++
		p.log().Warn("task does not fit a transaction", logx.Stringer("task", it.task.Address), logx.Err(err))
	default:
		reason = ReasonMalformed
		p.stats.Failed++
		p.log().Warn("task payload unusable", logx.Stringer("task", it.task.Address), logx.Err(err))
	}
	if it.life.State() == remote.StateVerified {
		_ = it.life.Advance(remote.StateDue)
	}
	if reason == ReasonExhausted {
		return
	}
	p.w.publish(eventbus.TypeCrankTask, p.taskEvent(it, storage.OutcomeFailed, reason))
	p.w.audit(ctx, p.auditEntry(it, storage.OutcomeFailed, "", 0, err))
}

func (p *pass) taskEvent(it *item, outcome, reason string) TaskEvent {
	return TaskEvent{
		Pass:    p.stats.Pass,
		Queue:   p.stats.Queue,
		Task:    it.task.Address.String(),
		ID:      it.task.ID,
		Outcome: outcome,
		Reason:  reason,
		Age:     it.started.Sub(policy.DueAt(it.task)),
	}
}

func (p *pass) auditEntry(it *item, outcome, sig string, reward uint64, err error) storage.AuditEntry {
	e := storage.AuditEntry{
		Pass:      p.stats.Pass,
		Queue:     p.stats.Queue,
		Task:      it.task.Address.String(),
		TaskID:    it.task.ID,
		Outcome:   outcome,
		Signature: sig,
		Reward:    reward,
		TookMS:    p.w.now().Sub(it.started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
