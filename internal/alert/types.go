package alert

import "time"

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// BatchFailures is how many failed batches in a row raise a BatchFailing
	// alert. 0 means 3.
	BatchFailures int
}

type Kind string

const (
	KindStaleTask        Kind = "stale_task"
	KindSignatureInvalid Kind = "signature_invalid"
	KindBindingMismatch  Kind = "binding_mismatch"
	KindPayerSigner      Kind = "payer_signer"
	KindBatchFailing     Kind = "batch_failing"
	KindRemoteDown       Kind = "remote_down"
	KindLowBalance       Kind = "low_balance"
)

// Alert is one operator notification. Alerts with the same Key are sent at
// most once per dedup window.
type Alert struct {
	Kind     Kind
	Priority int // 0 low.. 10 high
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time
	Kind Kind
	Text string
}

// Event is published on the bus for alert lifecycle events.
type Event struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Bus event types.
const (
	TypeQueued  = "alert.queued"
	TypeDeduped = "alert.deduped"
	TypeDropped = "alert.dropped"
	TypeSent    = "alert.sent"
	TypeFailed  = "alert.failed"
)
