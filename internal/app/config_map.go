package app

import (
	"fmt"
	"strings"
	"time"

	"crankd/internal/address"
	"crankd/internal/alert"
	"crankd/internal/config"
	"crankd/internal/crank"
	"crankd/internal/ledger"
	"crankd/internal/observability/status"
	"crankd/internal/storage"
	"crankd/internal/task/engine"
	"crankd/internal/tracing"
	logx "crankd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// Remote fetches are the only engine work, so the engine is always on.
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapCrankConfig(cfg *config.Config) (crank.Config, error) {
	c := cfg.Crank
	queue, err := address.Parse(strings.TrimSpace(c.Queue))
	if err != nil {
		return crank.Config{}, fmt.Errorf("crank.queue: %w", err)
	}
	poll, err := config.ParseDurationField("crank.poll_interval", c.PollInterval)
	if err != nil {
		return crank.Config{}, err
	}

	limits := ledger.DefaultLimits
	if c.MaxOps > 0 {
		limits.MaxOps = c.MaxOps
	}
	if c.MaxAccounts > 0 {
		limits.MaxAccounts = c.MaxAccounts
	}
	if c.MaxInstructions > 0 {
		limits.MaxInstructions = c.MaxInstructions
	}
	if c.MaxCompute > 0 {
		limits.MaxCompute = c.MaxCompute
	}

	r := c.Remote
	timeout, err := config.ParseDurationField("crank.remote.timeout", r.Timeout)
	if err != nil {
		return crank.Config{}, err
	}
	base, err := config.ParseDurationField("crank.remote.retry_base", r.RetryBase)
	if err != nil {
		return crank.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("crank.remote.retry_max_delay", r.RetryMaxDelay)
	if err != nil {
		return crank.Config{}, err
	}

	return crank.Config{
		Queue:           queue,
		PollInterval:    poll,
		Simulate:        c.Simulate,
		Limits:          limits,
		MaxTasksPerPass: c.MaxTasksPerPass,
		Remote: crank.RemoteConfig{
			Timeout:             timeout,
			RetryMax:            r.RetryMax,
			RetryBase:           base,
			RetryMaxDelay:       maxDelay,
			PerHost:             r.PerHost,
			CircuitTripFailures: r.CircuitTripFailures,
		},
	}, nil
}

// mapAlertConfig treats an omitted section as disabled.
func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	if cfg.Alerts == nil {
		return alert.Config{}, nil
	}
	a := cfg.Alerts
	base, err := config.ParseDurationOrDefault("alerts.retry_base", a.RetryBase, 500*time.Millisecond)
	if err != nil {
		return alert.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("alerts.retry_max_delay", a.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, 30*time.Minute)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:         a.Enabled,
		Workers:         a.Workers,
		QueueSize:       a.QueueSize,
		RatePerSec:      a.RatePerSec,
		RetryMax:        a.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: a.DedupMaxEntries,
		PersistDedup:    a.PersistDedup,
		BatchFailures:   a.BatchFailures,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (alert.TelegramConfig, bool) {
	if cfg.Alerts == nil || strings.TrimSpace(cfg.Alerts.Telegram.Token) == "" {
		return alert.TelegramConfig{}, false
	}
	t := cfg.Alerts.Telegram
	return alert.TelegramConfig{
		Token:       strings.TrimSpace(t.Token),
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		LogThreadID: t.LogThreadID,
	}, true
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	s := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", s.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable; it streams for 30s by default.
	write, err := config.ParseDurationField("status.write_timeout", s.WriteTimeout)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", s.IdleTimeout, time.Minute)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          strings.TrimSpace(s.Addr),
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTracingConfig(cfg *config.Config, version string) tracing.Config {
	return tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Output:         cfg.Tracing.Output,
		ServiceName:    "crankd",
		ServiceVersion: version,
	}
}

// validateLive checks what the reload path maps. Validate has already run.
func validateLive(cfg *config.Config) error {
	if _, err := mapCrankConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHousekeepingConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}
