package crank

import (
	"context"
	"errors"
	"fmt"

	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/remote"
	"crankd/internal/storage"
	"crankd/internal/tracing"
	logx "crankd/pkg/logx"
)

// pack groups items into transactions in order, starting a new batch when
// the next run would push the running cost over limits. Every item is
// assumed to fit on its own.
func pack(items []*item, limits ledger.Limits) [][]*item {
	var (
		out  [][]*item
		cur  []*item
		cost ledger.Cost
	)
	for _, it := range items {
		next := cost.Add(it.cost)
		if len(cur) > 0 && !limits.Fits(next) {
			out = append(out, cur)
			cur, next = nil, it.cost
		}
		cur = append(cur, it)
		cost = next
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// runBatch submits batch. When a multi-task batch fails each task is tried
// alone, so one bad task cannot hold the others back.
func (p *pass) runBatch(ctx context.Context, idx int, batch []*item) {
	p.stats.Batches++
	rcpt, err := p.submit(ctx, batch)
	p.noteFees(rcpt)

	ev := BatchEvent{Pass: p.stats.Pass, Index: idx, Tasks: len(batch), Signature: rcpt.Signature}
	if err == nil {
		p.stats.BatchesOK++
		ev.Rewards = rcpt.Rewards
		p.w.publish(eventbus.TypeCrankBatch, ev)
		for _, it := range batch {
			p.executed(ctx, it, rcpt.Signature)
		}
		return
	}
	ev.Err = err.Error()
	p.w.publish(eventbus.TypeCrankBatch, ev)

	if len(batch) == 1 {
		p.failed(ctx, batch[0], err)
		return
	}
	p.log().Debug("batch failed, retrying tasks alone", logx.Int("batch", idx), logx.Int("tasks", len(batch)), logx.Err(err))
	for _, it := range batch {
		if ctx.Err() != nil {
			return
		}
		p.stats.BatchRetries++
		rcpt, err := p.submit(ctx, []*item{it})
		p.noteFees(rcpt)
		if err != nil {
			p.failed(ctx, it, err)
			continue
		}
		p.executed(ctx, it, rcpt.Signature)
	}
}

func (p *pass) noteFees(r ledger.Receipt) { p.stats.Fees += r.Fee }

// submit signs and sends one transaction running items.
func (p *pass) submit(ctx context.Context, items []*item) (ledger.Receipt, error) {
	ops := make([]ledger.Op, len(items))
	for i, it := range items {
		op := it.op
		ops[i] = ledger.Op{RunTask: &op}
	}
	tx := &ledger.Transaction{Nonce: p.w.nonce.Add(1), Ops: ops}
	if err := tx.Sign(p.w.payer); err != nil {
		return ledger.Receipt{}, fmt.Errorf("crank: sign: %w", err)
	}

	ctx, sp := tracing.StartSpan(ctx, "ledger.submit", "CLIENT")
	sp.WithAttributes(map[string]string{"signature": tx.ID()})
	sp.SetInt("tasks", int64(len(items)))

	if p.cfg.Simulate {
		if _, err := p.w.ledger.Simulate(ctx, tx); err != nil {
			err = fmt.Errorf("simulate: %w", err)
			tracing.EndSpan(sp, err)
			return ledger.Receipt{}, err
		}
	}
	rcpt, err := p.w.ledger.Submit(ctx, tx)
	tracing.EndSpan(sp, err)
	return rcpt, err
}

func (p *pass) executed(ctx context.Context, it *item, sig string) {
	_ = it.life.Advance(remote.StateExecuted)
	p.stats.Executed++
	p.stats.Rewards += it.task.CrankReward
	p.log().Debug("task executed",
		logx.Stringer("task", it.task.Address),
		logx.Int("id", int(it.task.ID)),
		logx.Uint64("reward", it.task.CrankReward),
		logx.String("sig", sig),
	)
	p.w.audit(ctx, p.auditEntry(it, storage.OutcomeExecuted, sig, it.task.CrankReward, nil))
}

// failed records a task whose own transaction failed. It stays Due.
func (p *pass) failed(ctx context.Context, it *item, err error) {
	if it.life.State() == remote.StateVerified {
		_ = it.life.Advance(remote.StateDue)
	}
	outcome := storage.OutcomeFailed
	if ledger.IsRace(err) {
		outcome = storage.OutcomeRaced
		p.stats.Raced++
		p.log().Debug("task raced", logx.Stringer("task", it.task.Address), logx.Err(err))
	} else {
		p.stats.Failed++
		p.log().Warn("task failed", logx.Stringer("task", it.task.Address), logx.Int("id", int(it.task.ID)), logx.Err(err))
		reason := ledger.Code(err)
		if reason == "" && errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		p.w.publish(eventbus.TypeCrankTask, p.taskEvent(it, outcome, reason))
	}
	p.w.audit(ctx, p.auditEntry(it, outcome, "", 0, err))
}
