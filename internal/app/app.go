// Package app wires crankd together: config and logging, the ledger client,
// the crank worker and the services around it (task engine, alerts, audit
// storage, status endpoints, tracing and systemd integration).
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crankd/internal/address"
	"crankd/internal/alert"
	"crankd/internal/config"
	"crankd/internal/crank"
	"crankd/internal/eventbus"
	"crankd/internal/ledger"
	"crankd/internal/ledger/memory"
	"crankd/internal/ledger/rpc"
	"crankd/internal/observability/status"
	"crankd/internal/remote"
	rtsup "crankd/internal/runtime/supervisor"
	"crankd/internal/storage"
	"crankd/internal/task/engine"
	"crankd/internal/task/scheduler"
	"crankd/internal/tracing"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

type Option func(*options)

type options struct {
	ledger  ledger.Client
	version string
	id      string
}

// WithLedger replaces the client config.ledger would build.
func WithLedger(c ledger.Client) Option { return func(o *options) { o.ledger = c } }

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithWorkerID pins the crank worker id instead of a fresh uuid.
func WithWorkerID(id string) Option { return func(o *options) { o.id = id } }

type App struct {
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor
	version string
	started time.Time

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ledger ledger.Client
	payer  txn.KeypairSigner
	engine *engine.Service
	sched  *scheduler.Service
	crank  *crank.Worker
	alerts *alert.Service
	status *status.Service
	sd     *sdNotifier

	traceShutdown tracing.Shutdown
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{version: "dev"}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateLive(cfg); err != nil {
		return nil, err
	}

	// One bot serves alerts and forwarded logs.
	var (
		tg        *alert.Telegram
		logSender logx.Sender
		alertSend alert.Sender
	)
	if tc, ok := mapTelegramConfig(cfg); ok {
		if tg, err = alert.NewTelegram(tc); err != nil {
			return nil, fmt.Errorf("alerts.telegram: %w", err)
		}
		logSender, alertSend = tg, tg
	}
	// Components tag themselves with comp; base carries no fields.
	logSvc, base := logx.New(mapLogConfig(cfg), logSender)
	log := base.With(logx.String("comp", "app"))
	cfgm.SetLogger(base)

	a := &App{cfgm: cfgm, version: o.version, log: log, logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.store, err = storage.Open(sc, base); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if a.payer, err = txn.LoadKeypair(cfg.Ledger.Keypair); err != nil {
		return nil, err
	}
	if a.ledger, err = buildLedger(cfg, o.ledger, base); err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, base, a.bus)

	crankCfg, err := mapCrankConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.crank = crank.New(crank.Options{
		Config:  crankCfg,
		Ledger:  a.ledger,
		Payer:   a.payer,
		Fetcher: remote.NewClient(crankCfg.Remote.Timeout, "crankd/"+o.version, base),
		Engine:  a.engine,
		Store:   a.store,
		Bus:     a.bus,
		ID:      o.id,
		Log:     base,
	})

	hk, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(hk.sched, a.engine, base)
	if err := a.registerHousekeeping(hk); err != nil {
		return nil, err
	}

	alertCfg, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.alerts = alert.New(alertCfg, alertSend, base, a.bus, a.store)

	statusCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := status.Sources{Status: func() any { return a.Status() }}
	if a.store != nil {
		src.Audit = a.store.RecentAudit
	}
	a.status = status.New(statusCfg, src, base)

	if a.traceShutdown, err = tracing.Init(mapTracingConfig(cfg, o.version)); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.sd = newSDNotifier(cfg.Systemd.Notify, base)

	ok = true
	return a, nil
}

func buildLedger(cfg *config.Config, override ledger.Client, log logx.Logger) (ledger.Client, error) {
	if override != nil {
		return override, nil
	}
	lc := cfg.Ledger
	if ep := strings.TrimSpace(lc.Endpoint); ep != "" {
		timeout, err := config.ParseDurationOrDefault("ledger.timeout", lc.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		base, err := config.ParseDurationOrDefault("ledger.retry_base", lc.RetryBase, 250*time.Millisecond)
		if err != nil {
			return nil, err
		}
		maxDelay, err := config.ParseDurationOrDefault("ledger.retry_max_delay", lc.RetryMaxDelay, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return rpc.NewClient(rpc.Options{
			URL:     ep,
			Timeout: timeout,
			RPS:     lc.RatePerSec,
			Burst:   lc.Burst,
			Retry:   engine.TaskOptions{RetryMax: lc.RetryMax, RetryBase: base, RetryMaxDelay: maxDelay},
			Log:     log,
		}), nil
	}
	program := ledger.DefaultProgram
	if p := strings.TrimSpace(lc.Program); p != "" {
		var err error
		if program, err = address.Parse(p); err != nil {
			return nil, fmt.Errorf("ledger.program: %w", err)
		}
	}
	log.Warn("ledger.endpoint not set; using an empty in-memory ledger")
	return memory.New(memory.Options{Program: program, Log: log}), nil
}

// closeEarly releases what New opened before failing.
func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Logger() logx.Logger  { return a.log }
func (a *App) Crank() *crank.Worker { return a.crank }

// StatusDoc is what GET /status returns.
type StatusDoc struct {
	Version    string              `json:"version"`
	Uptime     string              `json:"uptime"`
	Payer      string              `json:"payer"`
	Crank      crank.Snapshot      `json:"crank"`
	Engine     engine.Snapshot     `json:"engine"`
	Jobs       scheduler.Snapshot  `json:"housekeeping"`
	Alerts     []alert.HistoryItem `json:"alerts,omitempty"`
	Goroutines rtsup.Snapshot      `json:"goroutines"`
}

func (a *App) Status() StatusDoc {
	doc := StatusDoc{
		Version: a.version,
		Payer:   a.payer.Address().String(),
		Crank:   a.crank.Snapshot(),
		Engine:  a.engine.Snapshot(),
		Jobs:    a.sched.Snapshot(),
		Alerts:  a.alerts.Snapshot(),
	}
	if !a.started.IsZero() {
		doc.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	if a.sup != nil {
		doc.Goroutines = a.sup.Snapshot()
	}
	return doc
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor saw.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateLive(cfg) })

	a.engine.Start(run)
	a.sched.Start(run)
	a.alerts.Start(run)
	a.status.Start(run)

	a.sup.Go("alerts.watch", func(c context.Context) error { return a.alerts.Watch(c, a.bus) })
	a.sup.Go("crank", a.crank.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.watchdogLoop(c, a.healthy)
	})

	a.sd.ready()
	a.log.Info("crankd started",
		logx.String("version", a.version),
		logx.Stringer("payer", a.payer.Address()),
		logx.String("worker", a.crank.ID()),
	)
	return nil
}

// healthy is false once the worker has gone several poll intervals without
// finishing a pass.
func (a *App) healthy() bool {
	snap := a.crank.Snapshot()
	if snap.Totals.Passes == 0 {
		return time.Since(a.started) < time.Minute
	}
	last := snap.LastPass.Started.Add(snap.LastPass.Duration)
	return time.Since(last) < max(5*a.crank.PollInterval(), time.Minute)
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.applyConfig(ctx, applied, next)
			applied = next
		}
	}
}

// applyConfig pushes the live-tunable sections to their owners. Sections
// that need new connections or files only log that a restart is required.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, _ := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		return
	}
	a.sd.reloading()
	defer a.sd.reloaded()

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "crank":
			cc, err := mapCrankConfig(next)
			if err != nil {
				a.log.Warn("invalid crank config; keeping previous", logx.Err(err))
				continue
			}
			a.crank.Apply(cc)
		case "task_engine":
			ec, err := mapTaskEngineConfig(next)
			if err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
				continue
			}
			a.engine.Apply(ctx, ec)
		case "alerts":
			a.applyAlerts(ctx, prev, next)
		case "housekeeping":
			hk, err := mapHousekeepingConfig(next)
			if err != nil {
				a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
				continue
			}
			a.sched.Apply(hk.sched)
			if err := a.registerHousekeeping(hk); err != nil {
				a.log.Warn("housekeeping jobs not registered", logx.Err(err))
			}
		case "status":
			sc, err := mapStatusConfig(next)
			if err != nil {
				a.log.Warn("invalid status config; keeping previous", logx.Err(err))
				continue
			}
			a.status.Reconfigure(ctx, sc)
		default:
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
}

func (a *App) applyAlerts(ctx context.Context, prev, next *config.Config) {
	oldTG, _ := mapTelegramConfig(prev)
	newTG, _ := mapTelegramConfig(next)
	if oldTG != newTG {
		a.log.Warn("alerts.telegram changed; restart required")
	}
	ac, err := mapAlertConfig(next)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	wasOn := a.alerts.Enabled()
	a.alerts.Apply(ac)
	switch on := a.alerts.Enabled(); {
	case wasOn && !on:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
		a.log.Info("alerts disabled via config")
	case !wasOn && on:
		a.alerts.Start(ctx)
		a.log.Info("alerts enabled via config")
	}
}

// Stop shuts components down in dependency order, bounding each step so one
// stuck component cannot hold the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping(reason)
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("supervisor", 5*time.Second, a.sup.Wait)
	step("scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("tracing", 2*time.Second, func(c context.Context) error { return a.traceShutdown(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
