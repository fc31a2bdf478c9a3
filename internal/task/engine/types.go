package engine

import (
	"context"
	"time"
)

// Config controls the worker pool. The app maps config.task_engine here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// CircuitTripFailures < 0 disables the breaker; 0 means the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ConcurrencyLimit caps concurrent runs sharing ConcurrencyKey. 0 disables it.
	ConcurrencyLimit int

	// CircuitTripFailures overrides the engine threshold; < 0 disables it.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	o.ConcurrencyLimit = max(o.ConcurrencyLimit, 0)
	return o
}

// Task is a unit of work. The crank submits one per remote fetch, named
// after the remote host so the circuit breaker and concurrency group are per
// service.
type Task struct {
	ID   string
	Name string
	// CircuitKey groups failures for the breaker; defaults to Name.
	CircuitKey string
	// ConcurrencyKey groups runs for ConcurrencyLimit; defaults to Name.
	ConcurrencyKey string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	// OnDone is called exactly once for every accepted task, including
	// tasks dropped as stale or discarded on Stop.
	OnDone func(Result)
}

type Result struct {
	ID         string
	Name       string
	Attempts   int
	QueueDelay time.Duration
	Duration   time.Duration
	Err        error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped      uint64 `json:"dropped"`
	CircuitTotal int    `json:"circuit_total"`
	CircuitOpen  int    `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}
