package crank

import (
	"time"

	"crankd/internal/address"
	"crankd/internal/ledger"
)

// Config is the live-tunable part of the worker. The app maps config.crank
// here and hands updates to Worker.Apply.
type Config struct {
	Queue        address.Address
	PollInterval time.Duration

	// Simulate runs every batch through Ledger.Simulate first so doomed
	// batches cost no fee.
	Simulate bool

	// Limits bounds one submitted transaction. Zero means ledger.DefaultLimits.
	Limits ledger.Limits

	// MaxTasksPerPass caps how many due tasks one pass attempts. 0 disables it.
	MaxTasksPerPass int

	Remote RemoteConfig
}

// RemoteConfig shapes the engine tasks that fetch remote payloads.
type RemoteConfig struct {
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// PerHost caps concurrent fetches against one compute service.
	PerHost int
	// CircuitTripFailures overrides the engine breaker threshold per host.
	CircuitTripFailures int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Limits == (ledger.Limits{}) {
		c.Limits = ledger.DefaultLimits
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.PerHost <= 0 {
		c.Remote.PerHost = 4
	}
	return c
}

// Class is what a pass decided about an occupied task.
type Class uint8

const (
	ClassNotDue Class = iota
	ClassDue
	ClassExpired
)

func (c Class) String() string {
	switch c {
	case ClassDue:
		return "due"
	case ClassExpired:
		return "expired"
	default:
		return "not_due"
	}
}

// PassStats are the per-pass counters operators see.
type PassStats struct {
	Pass     string        `json:"pass"`
	Queue    string        `json:"queue"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Occupied int `json:"occupied"`
	Due      int `json:"due"`
	NotDue   int `json:"not_due"`
	Expired  int `json:"expired"`
	Deferred int `json:"deferred"`

	RemoteFetched  int `json:"remote_fetched"`
	RemoteRejected int `json:"remote_rejected"`
	RemoteFailed   int `json:"remote_failed"`

	Batches      int `json:"batches"`
	BatchesOK    int `json:"batches_ok"`
	BatchRetries int `json:"batch_retries"`

	Executed int `json:"executed"`
	Raced    int `json:"raced"`
	Failed   int `json:"failed"`

	// Conflicts counts free ids claimed by more than one occupied task.
	Conflicts int `json:"conflicts"`

	Rewards uint64 `json:"rewards"`
	Fees    uint64 `json:"fees"`
}

// TaskEvent is published on crank.task for every outcome other than a
// plain execution.
type TaskEvent struct {
	Pass    string        `json:"pass"`
	Queue   string        `json:"queue"`
	Task    string        `json:"task"`
	ID      uint16        `json:"id"`
	Outcome string        `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Age     time.Duration `json:"age"`
}

// BatchEvent is published on crank.batch after each submitted batch.
type BatchEvent struct {
	Pass      string `json:"pass"`
	Index     int    `json:"index"`
	Tasks     int    `json:"tasks"`
	Signature string `json:"signature,omitempty"`
	Rewards   uint64 `json:"rewards"`
	Err       string `json:"err,omitempty"`
}

type BalanceEvent struct {
	Payer   string `json:"payer"`
	Balance uint64 `json:"balance"`
	Min     uint64 `json:"min"`
}

// Reasons attached to TaskEvent.
const (
	ReasonSignatureInvalid = "signature_invalid"
	ReasonBindingMismatch  = "binding_mismatch"
	ReasonPayerSigner      = "payer_signer"
	ReasonMalformed        = "malformed"
	ReasonStale            = "stale"
	ReasonExhausted        = "allocation_exhausted"
	ReasonTooLarge         = "too_large"
)

// Totals accumulate over the worker's lifetime.
type Totals struct {
	Passes   uint64 `json:"passes"`
	Executed uint64 `json:"executed"`
	Raced    uint64 `json:"raced"`
	Failed   uint64 `json:"failed"`
	Rewards  uint64 `json:"rewards"`
	Fees     uint64 `json:"fees"`
}

type Snapshot struct {
	Worker   string    `json:"worker"`
	Queue    string    `json:"queue"`
	Totals   Totals    `json:"totals"`
	LastPass PassStats `json:"last_pass"`
	LastErr  string    `json:"last_err,omitempty"`
}
