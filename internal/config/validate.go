package config

import (
	"errors"
	"fmt"
	"strings"

	"crankd/internal/address"
)

// Validate reports every static problem in cfg at once. It does not touch the
// network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	addr := func(path, raw string, required bool) {
		s := strings.TrimSpace(raw)
		if s == "" {
			if required {
				check(fmt.Errorf("%s: required", path))
			}
			return
		}
		if _, err := address.Parse(s); err != nil {
			check(fmt.Errorf("%s: %w", path, err))
		}
	}

	if strings.TrimSpace(cfg.Ledger.Keypair) == "" {
		check(errors.New("ledger.keypair: required"))
	}
	addr("ledger.program", cfg.Ledger.Program, false)
	dur("ledger.timeout", cfg.Ledger.Timeout)
	dur("ledger.retry_base", cfg.Ledger.RetryBase)
	dur("ledger.retry_max_delay", cfg.Ledger.RetryMaxDelay)
	if cfg.Ledger.RetryMax < -1 {
		check(errors.New("ledger.retry_max: must be >= -1"))
	}
	if cfg.Ledger.RatePerSec < 0 || cfg.Ledger.Burst < 0 {
		check(errors.New("ledger: rate_per_sec and burst must be >= 0"))
	}

	c := cfg.Crank
	addr("crank.queue", c.Queue, true)
	dur("crank.poll_interval", c.PollInterval)
	dur("crank.remote.timeout", c.Remote.Timeout)
	dur("crank.remote.retry_base", c.Remote.RetryBase)
	dur("crank.remote.retry_max_delay", c.Remote.RetryMaxDelay)
	for name, v := range map[string]int{
		"crank.max_tasks_per_pass": c.MaxTasksPerPass,
		"crank.max_instructions":   c.MaxInstructions,
		"crank.max_accounts":       c.MaxAccounts,
		"crank.max_ops":            c.MaxOps,
		"crank.remote.retry_max":   c.Remote.RetryMax,
		"crank.remote.per_host":    c.Remote.PerHost,
	} {
		if v < 0 {
			check(fmt.Errorf("%s: must be >= 0", name))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				check(errors.New("storage.path: required"))
			}
		default:
			check(fmt.Errorf("storage.driver: unknown %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if a := cfg.Alerts; a != nil {
		dur("alerts.retry_base", a.RetryBase)
		dur("alerts.retry_max_delay", a.RetryMaxDelay)
		dur("alerts.dedup_window", a.DedupWindow)
		if a.Enabled && strings.TrimSpace(a.Telegram.Token) != "" && a.Telegram.ChatID == 0 {
			check(errors.New("alerts.telegram.chat_id: required with a token"))
		}
	}

	if hk := cfg.Housekeeping; hk != nil {
		dur("housekeeping.audit_retention", hk.AuditRetention)
	}

	dur("status.read_timeout", cfg.Status.ReadTimeout)
	dur("status.write_timeout", cfg.Status.WriteTimeout)
	dur("status.idle_timeout", cfg.Status.IdleTimeout)

	return errors.Join(errs...)
}
