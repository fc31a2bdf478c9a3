package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"time"

	"crankd/internal/eventbus"
	logx "crankd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt = <-queue:
		}

		release, ok := s.acquireGroup(qt)
		if !ok {
			// Group at its limit: requeue and let this worker pick other work.
			select {
			case queue <- qt:
			default:
				s.noteDropped(qt.task, "queue_full", time.Since(qt.enqueuedAt))
				s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, Err: ErrQueueFull})
			}
			runtime.Gosched()
			continue
		}

		s.inFlight.Add(1)
		s.execOne(ctx, stopCh, qt, rng)
		s.inFlight.Add(-1)
		release()
	}
}

func (s *Service) acquireGroup(qt queuedTask) (release func(), ok bool) {
	if qt.opt.ConcurrencyLimit <= 0 {
		return func() {}, true
	}
	gs := s.groups.get(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
	if !gs.tryAcquire() {
		return nil, false
	}
	return gs.release, true
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	res := Result{ID: t.ID, Name: t.Name, QueueDelay: queueDelay}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.noteDropped(t, "stale_queue_delay", queueDelay)
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		res.Err = ErrStaleDropped
		s.finish(qt, res)
		return
	}

	var err error
	maxAttempts := 1 + qt.opt.RetryMax
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err = s.runAttempt(ctx, t, qt.timeout)
		if err == nil || IsNoRetry(err) || attempt == maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attempts
		case <-tmr.C:
		}
	}

	res.Duration = time.Since(start)
	res.Err = err
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: res.Duration, Attempts: res.Attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Err(err), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
		s.publish(eventbus.TypeEngineFailed, TaskEvent{ID: t.ID, Name: t.Name, QueueDelay: queueDelay, Duration: res.Duration, Attempts: res.Attempts, Error: item.Error})
	} else {
		s.log.Debug("task completed", logx.String("task", t.Name), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
	}

	// Stops and cancellations say nothing about the remote's health.
	if !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
		s.circuitRecordResult(time.Now(), circuitKey(t), cfg, qt.opt, err)
	}
	s.record(cfg, item)
	s.finish(qt, res)
}

// runAttempt turns a panic into an error so one bad task cannot take a
// worker down.
func (s *Service) runAttempt(ctx context.Context, t Task, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Backoff returns the delay before retry number retry (1-based) under opt,
// honoring a RetryAfter hint carried by err. Zero fields take the engine
// defaults. A nil rng disables jitter.
func Backoff(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	return backoffDelayWithHint(opt.withDefaults(Config{}), retry, err, rng)
}

// backoffDelayWithHint prefers a RetryAfter hint over exponential backoff.
// Both are capped by RetryMaxDelay and jittered.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if d <= 0 || opt.RetryJitter <= 0 || rng == nil {
		return max(d, 0)
	}
	r := (rng.Float64()*2 - 1) * opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), opt.RetryMaxDelay)
}
