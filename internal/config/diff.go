package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crankd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens and key paths are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oL, nL := oldCfg.Ledger, newCfg.Ledger
	if strings.TrimSpace(oL.Endpoint) != strings.TrimSpace(nL.Endpoint) ||
		oL.Timeout != nL.Timeout || oL.RatePerSec != nL.RatePerSec || oL.Burst != nL.Burst ||
		oL.Program != nL.Program || oL.Keypair != nL.Keypair ||
		oL.RetryMax != nL.RetryMax || oL.RetryBase != nL.RetryBase || oL.RetryMaxDelay != nL.RetryMaxDelay {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Bool("ledger.remote", strings.TrimSpace(nL.Endpoint) != ""),
			logx.Bool("ledger.keypair_changed", oL.Keypair != nL.Keypair),
			logx.Any("ledger.rate_per_sec", nL.RatePerSec),
			logx.Int("ledger.retry_max", nL.RetryMax),
		)
	}

	if oldCfg.Crank != newCfg.Crank {
		c := newCfg.Crank
		changed = append(changed, "crank")
		attrs = append(attrs,
			logx.String("crank.queue", c.Queue),
			logx.String("crank.poll_interval", c.PollInterval),
			logx.Bool("crank.simulate", c.Simulate),
			logx.Int("crank.max_tasks_per_pass", c.MaxTasksPerPass),
			logx.Int("crank.max_ops", c.MaxOps),
			logx.Int("crank.remote.per_host", c.Remote.PerHost),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oA, nA AlertsConfig
	if oldCfg.Alerts != nil {
		oA = *oldCfg.Alerts
	}
	if newCfg.Alerts != nil {
		nA = *newCfg.Alerts
	}
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Telegram.Token) != ""),
			logx.Int("alerts.rate_per_sec", nA.RatePerSec),
			logx.Bool("alerts.persist_dedup", nA.PersistDedup),
		)
	}

	var oH, nH HousekeepingConfig
	if oldCfg.Housekeeping != nil {
		oH = *oldCfg.Housekeeping
	}
	if newCfg.Housekeeping != nil {
		nH = *newCfg.Housekeeping
	}
	if oH != nH {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.balance_check", nH.BalanceCheck),
			logx.Uint64("housekeeping.min_balance", nH.MinBalance),
			logx.String("housekeeping.audit_prune", nH.AuditPrune),
			logx.String("housekeeping.audit_retention", nH.AuditRetention),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	if oldCfg.Status != newCfg.Status {
		s := newCfg.Status
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", s.Enabled),
			logx.String("status.addr", strings.TrimSpace(s.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(s.Token) != ""),
			logx.Bool("status.pprof", s.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
