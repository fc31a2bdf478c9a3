package config

// Config is the on-disk shape of crankd.yaml / crankd.json. Durations are Go
// duration strings ("500ms", "10s", "1m"); the app converts them once per load.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Ledger  LedgerConfig  `json:"ledger"`
	Crank   CrankConfig   `json:"crank"`

	// TaskEngine sizes the pool that runs remote fetches. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage is optional; nil disables audit records and persisted dedup.
	Storage *StorageConfig `json:"storage,omitempty"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`

	// Housekeeping schedules the payer balance check and audit pruning.
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`

	Tracing TracingConfig `json:"tracing,omitempty"`
	Status  StatusConfig  `json:"status,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines through the alerts bot into
// alerts.telegram.log_thread_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LedgerConfig selects the ledger the worker talks to.
//
// An empty endpoint runs against an in-process memory ledger, which is only
// useful for demos. Keypair is required either way.
type LedgerConfig struct {
	Endpoint   string  `json:"endpoint,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Transport failures and 429/502/503/504 are retried with jittered
	// exponential backoff. RetryMax 0 means 3, -1 disables retries.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Keypair is the crank's fee payer key file (JSON byte array or base58).
	Keypair string `json:"keypair"`
	// Program overrides the queue program id of the in-memory ledger.
	Program string `json:"program,omitempty"`
}

type CrankConfig struct {
	// Queue is the base58 TaskQueue address to crank.
	Queue        string `json:"queue"`
	PollInterval string `json:"poll_interval,omitempty"`
	Simulate     bool   `json:"simulate,omitempty"`

	MaxTasksPerPass int `json:"max_tasks_per_pass,omitempty"`

	// Transaction budget. Leave all four unset to use the ledger defaults.
	MaxOps          int    `json:"max_ops,omitempty"`
	MaxAccounts     int    `json:"max_accounts,omitempty"`
	MaxInstructions int    `json:"max_instructions,omitempty"`
	MaxCompute      uint64 `json:"max_compute,omitempty"`

	Remote RemoteConfig `json:"remote,omitempty"`
}

type RemoteConfig struct {
	Timeout             string `json:"timeout,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	PerHost             int    `json:"per_host,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crankd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AlertsConfig controls operator notifications. Without a telegram token the
// section is inert.
type AlertsConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// BatchFailures is how many failed batches in a row raise batch_failing.
	BatchFailures int `json:"batch_failures,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"` // do not log
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
}

// HousekeepingConfig schedules background jobs. Schedules accept cron
// ("0 3 * * *", "@daily"), "@every 5m", a duration or HH:MM.
//
// Defaults:
//   - balance_check: "@every 5m" (needs min_balance > 0)
//   - audit_prune: "@daily" (needs audit_retention and storage)
type HousekeepingConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	BalanceCheck   string `json:"balance_check,omitempty"`
	MinBalance     uint64 `json:"min_balance,omitempty"`
	AuditPrune     string `json:"audit_prune,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
}

type TracingConfig struct {
	Enabled bool   `json:"enabled"`
	Output  string `json:"output,omitempty"` // file path or "stdout"
}

// StatusConfig controls the operator HTTP endpoints.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SystemdConfig toggles sd_notify. The watchdog interval itself comes from
// WATCHDOG_USEC.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
