package crank

import (
	"context"
	"errors"
	"sync"

	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/remote"
	"crankd/internal/storage"
	"crankd/internal/task/engine"
	"crankd/internal/tracing"
	logx "crankd/pkg/logx"
)

// fetchRemote asks each task's compute service for its transaction and
// returns the items whose response verified. Fetches run concurrently; a
// slow service only holds up its own tasks until its timeout.
func (p *pass) fetchRemote(ctx context.Context, items []*item) []*item {
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, it := range items {
		_ = it.life.Advance(remote.StateAwaitingRemote)
		done := func(err error) {
			errs[i] = err
			wg.Done()
		}
		run := func(ectx context.Context) error {
			// Engine workers run under the engine's context; tie the fetch
			// to the pass as well.
			ectx, cancel := context.WithCancel(ectx)
			defer cancel()
			stop := context.AfterFunc(ctx, cancel)
			defer stop()

			v, err := p.fetchOne(ectx, it.task)
			if err != nil {
				return err
			}
			it.verified = v
			return nil
		}

		if eng := p.w.engine; eng != nil && eng.Enabled() {
			host := remote.Host(it.task.Payload.Remote.URL)
			err := eng.Enqueue(engine.Task{
				Name:           "remote.fetch:" + host,
				CircuitKey:     host,
				ConcurrencyKey: host,
				Timeout:        p.cfg.Remote.Timeout,
				Opt: engine.TaskOptions{
					RetryMax:            p.cfg.Remote.RetryMax,
					RetryBase:           p.cfg.Remote.RetryBase,
					RetryMaxDelay:       p.cfg.Remote.RetryMaxDelay,
					ConcurrencyLimit:    p.cfg.Remote.PerHost,
					CircuitTripFailures: p.cfg.Remote.CircuitTripFailures,
				},
				Run:    run,
				OnDone: func(r engine.Result) { done(r.Err) },
			})
			if err != nil {
				done(err)
			}
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(ctx, p.cfg.Remote.Timeout)
			defer cancel()
			done(run(ctx))
		}()
	}
	wg.Wait()

	var ok []*item
	for i, it := range items {
		if errs[i] == nil && it.verified != nil {
			_ = it.life.Advance(remote.StateVerified)
			p.stats.RemoteFetched++
			ok = append(ok, it)
			continue
		}
		_ = it.life.Advance(remote.StateRejected)
		p.rejected(ctx, it, errs[i])
	}
	return ok
}

func (p *pass) fetchOne(ctx context.Context, t *ledger.Task) (*remote.Verified, error) {
	target := t.Payload.Remote.URL
	ctx, sp := tracing.StartSpan(ctx, "remote.fetch", "CLIENT")
	sp.WithAttributes(map[string]string{"task": t.Address.String(), "host": remote.Host(target)})

	resp, err := p.w.fetcher.Fetch(ctx, target, remote.Request{
		Task:         t.Address,
		TaskQueue:    t.Queue,
		TaskQueuedAt: t.QueuedAt,
	})
	if err != nil {
		tracing.EndSpan(sp, err)
		return nil, err
	}
	// The binding is checked against the queued_at read in this pass. A task
	// requeued since then carries a new queued_at and the ledger rejects the
	// stale proof.
	v, err := remote.Verify(resp, t.Payload.Remote.Signer, remote.Binding{Task: t.Address, QueuedAt: t.QueuedAt})
	if err == nil {
		err = v.ForbidSigner(p.w.payer.Address())
	}
	if err != nil {
		tracing.EndSpan(sp, err)
		return nil, engine.NoRetry(err)
	}
	tracing.EndSpan(sp, nil)
	return v, nil
}

// rejected logs a failed fetch. Trust failures are loud; transport failures
// are expected now and then and the task is simply retried next pass.
func (p *pass) rejected(ctx context.Context, it *item, err error) {
	if err == nil {
		err = remote.ErrMalformed
	}
	log := p.log().With(logx.Stringer("task", it.task.Address), logx.String("url", it.task.Payload.Remote.URL))
	reason := ""
	switch {
	case errors.Is(err, remote.ErrSignatureInvalid):
		reason = ReasonSignatureInvalid
		p.stats.RemoteRejected++
		log.Error("remote response signature invalid", logx.Stringer("signer", it.task.Payload.Remote.Signer))
	case errors.Is(err, remote.ErrForbiddenSigner):
		reason = ReasonPayerSigner
		p.stats.RemoteRejected++
		log.Error("remote response asks the fee payer to sign", logx.Err(err))
	case errors.Is(err, remote.ErrBindingMismatch):
		reason = ReasonBindingMismatch
		p.stats.RemoteRejected++
		log.Warn("remote response bound to another scheduling", logx.Err(err))
	case errors.Is(err, remote.ErrMalformed):
		reason = ReasonMalformed
		p.stats.RemoteRejected++
		log.Warn("remote response malformed", logx.Err(err))
	case errors.Is(err, engine.ErrCircuitOpen):
		p.stats.RemoteFailed++
		log.Debug("remote host circuit open", logx.Err(err))
	case errors.Is(err, context.Canceled):
		p.stats.RemoteFailed++
		return
	default:
		p.stats.RemoteFailed++
		log.Warn("remote fetch failed", logx.Err(err))
	}
	if reason == "" {
		reason = err.Error()
	}
	p.w.publish(eventbus.TypeCrankTask, p.taskEvent(it, storage.OutcomeRejected, reason))
	p.w.audit(ctx, p.auditEntry(it, storage.OutcomeRejected, "", 0, err))
}
