// Package crank is the worker that turns due tasks into ledger transactions.
//
// A pass reads one queue's bitmap, classifies every occupied task, fetches
// remote payloads through the task engine, packs runs into transactions that
// fit the ledger limits and submits each batch on its own. The worker keeps
// no task state between passes: whatever did not execute is still set in the
// bitmap and is found again next time.
package crank

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crankd/internal/address"
	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/storage"
	"crankd/internal/task/engine"
	"crankd/internal/tracing"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

var ErrNoQueue = errors.New("crank: no queue configured")

// maxPassBackoff caps the wait after consecutive failed passes unless the
// poll interval itself is longer.
const maxPassBackoff = 2 * time.Minute

// Fetcher is satisfied by *remote.Client.
type Fetcher interface {
	Fetch(ctx context.Context, target string, req remote.Request) (*remote.Response, error)
}

type Options struct {
	Config  Config
	Ledger  ledger.Client
	Payer   txn.KeypairSigner
	Fetcher Fetcher
	// Engine runs remote fetches. Without one they run on plain goroutines
	// with no retry.
	Engine *engine.Service
	Store  storage.Store
	Bus    eventbus.Bus
	Now    func() time.Time
	// ID names this worker in logs and audit records; a uuid by default.
	ID  string
	Log logx.Logger
}

type Worker struct {
	id      string
	ledger  ledger.Client
	payer   txn.KeypairSigner
	fetcher Fetcher
	engine  *engine.Service
	store   storage.Store
	bus     eventbus.Bus
	now     func() time.Time
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	totals   Totals
	lastPass PassStats
	lastErr  string
	// reported remembers expired tasks already written to the audit log.
	reported map[remote.Binding]struct{}

	nonce atomic.Uint64
	kick  chan struct{}
}

func New(opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Worker{
		id:       opts.ID,
		ledger:   opts.Ledger,
		payer:    opts.Payer,
		fetcher:  opts.Fetcher,
		engine:   opts.Engine,
		store:    opts.Store,
		bus:      opts.Bus,
		now:      opts.Now,
		log:      opts.Log.With(logx.String("comp", "crank"), logx.String("worker", opts.ID)),
		cfg:      opts.Config.withDefaults(),
		reported: map[remote.Binding]struct{}{},
		kick:     make(chan struct{}, 1),
	}
	// Nonces only need to differ between transactions this payer signs.
	w.nonce.Store(uint64(time.Now().UnixNano()))
	return w
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) PollInterval() time.Duration { return w.config().PollInterval }

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Apply swaps the config; a running loop picks it up before its next pass.
func (w *Worker) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Worker:   w.id,
		Queue:    w.cfg.Queue.String(),
		Totals:   w.totals,
		LastPass: w.lastPass,
		LastErr:  w.lastErr,
	}
}

// Run calls RunOnce every PollInterval until ctx is done. Pass errors are
// logged and the wait grows with each consecutive failure; the next pass
// starts from the ledger again.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("crank started", logx.Stringer("queue", w.config().Queue), logx.Stringer("payer", w.payer.Address()))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	fails := 0
	for {
		_, err := w.RunOnce(ctx)
		switch {
		case err == nil:
			fails = 0
		case ctx.Err() == nil:
			fails++
		}
		wait := passDelay(w.config().PollInterval, fails, rng)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("crank pass failed", logx.Int("consecutive", fails), logx.Duration("retry_in", wait), logx.Err(err))
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			w.log.Info("crank stopped")
			return nil
		case <-w.kick:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// RunOnce runs a single pass over the configured queue.
func (w *Worker) RunOnce(ctx context.Context) (PassStats, error) {
	cfg := w.config()
	p := &pass{
		w:   w,
		cfg: cfg,
		stats: PassStats{
			Pass:    uuid.NewString(),
			Queue:   cfg.Queue.String(),
			Started: w.now(),
		},
	}
	ctx, sp := tracing.StartSpan(ctx, "crank.pass", "")
	sp.WithAttributes(map[string]string{"pass": p.stats.Pass, "queue": p.stats.Queue})

	err := p.run(ctx)
	p.stats.Duration = w.now().Sub(p.stats.Started)
	sp.SetInt("executed", int64(p.stats.Executed))
	tracing.EndSpan(sp, err)

	w.mu.Lock()
	w.totals.Passes++
	w.totals.Executed += uint64(p.stats.Executed)
	w.totals.Raced += uint64(p.stats.Raced)
	w.totals.Failed += uint64(p.stats.Failed)
	w.totals.Rewards += p.stats.Rewards
	w.totals.Fees += p.stats.Fees
	w.lastPass = p.stats
	w.lastErr = ""
	if err != nil {
		w.lastErr = err.Error()
	}
	w.mu.Unlock()

	w.publish(eventbus.TypeCrankPass, p.stats)
	if p.stats.Due > 0 || p.stats.Expired > 0 {
		w.log.Info("crank pass",
			logx.String("pass", p.stats.Pass),
			logx.Int("due", p.stats.Due),
			logx.Int("expired", p.stats.Expired),
			logx.Int("batches", p.stats.Batches),
			logx.Int("executed", p.stats.Executed),
			logx.Int("raced", p.stats.Raced),
			logx.Int("failed", p.stats.Failed),
			logx.Uint64("rewards", p.stats.Rewards),
			logx.Duration("dur", p.stats.Duration),
		)
	}
	return p.stats, err
}

// CheckBalance reads the payer balance and publishes a BalanceEvent when it
// is below floor.
func (w *Worker) CheckBalance(ctx context.Context, floor uint64) (uint64, error) {
	bal, err := w.ledger.Balance(ctx, w.payer.Address())
	if err != nil {
		return 0, fmt.Errorf("crank: payer balance: %w", err)
	}
	if bal < floor {
		w.log.Warn("payer balance low", logx.Uint64("balance", bal), logx.Uint64("min", floor))
		w.publish(eventbus.TypeCrankBalance, BalanceEvent{Payer: w.payer.Address().String(), Balance: bal, Min: floor})
	}
	return bal, nil
}

// passDelay is the poll interval after a good pass and a jittered
// exponential backoff from it after fails consecutive bad ones.
func passDelay(poll time.Duration, fails int, rng *rand.Rand) time.Duration {
	if fails <= 0 {
		return poll
	}
	return engine.Backoff(engine.TaskOptions{
		RetryBase:     poll,
		RetryMaxDelay: max(poll, maxPassBackoff),
	}, fails+1, nil, rng)
}

func (w *Worker) publish(typ string, data any) {
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: typ, Time: w.now(), Data: data})
	}
}

func (w *Worker) audit(ctx context.Context, e storage.AuditEntry) {
	if w.store == nil {
		return
	}
	e.Worker = w.id
	if e.At.IsZero() {
		e.At = w.now()
	}
	if err := w.store.AppendAudit(ctx, e); err != nil {
		w.log.Debug("audit append failed", logx.String("task", e.Task), logx.Err(err))
	}
}

// pruneReported forgets expired tasks that are no longer in current.
func (w *Worker) pruneReported(current map[remote.Binding]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.reported {
		if _, ok := current[k]; !ok {
			delete(w.reported, k)
		}
	}
}

// firstReport reports whether b has not been audited as expired yet.
func (w *Worker) firstReport(b remote.Binding) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.reported[b]; ok {
		return false
	}
	w.reported[b] = struct{}{}
	return true
}

func (w *Worker) loadQueue(ctx context.Context, queue address.Address) (*ledger.TaskQueue, error) {
	if queue.IsZero() {
		return nil, ErrNoQueue
	}
	q, err := w.ledger.Queue(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("crank: read queue: %w", err)
	}
	return q, nil
}

// reservations reports free id conflicts and returns the reserved set.
func (w *Worker) reservations(passID string, tasks []*ledger.Task) (policy.Reservations, int) {
	res := policy.Reserve(tasks)
	conflicts := res.Conflicts()
	for _, c := range conflicts {
		w.log.Warn("free task id claimed twice",
			logx.String("pass", passID),
			logx.Int("id", int(c.ID)),
			logx.Any("claims", c.Claims),
		)
	}
	return res, len(conflicts)
}
