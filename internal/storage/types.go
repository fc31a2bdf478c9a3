package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl audit plus dedup snapshot/journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values recorded for a task in one pass.
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
	OutcomeRaced    = "raced"
	OutcomeFailed   = "failed"
)

// AuditEntry records what happened to one task in one pass.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Worker    string    `json:"worker"`
	Pass      string    `json:"pass"`
	Queue     string    `json:"queue"`
	Task      string    `json:"task"`
	TaskID    uint16    `json:"task_id"`
	Outcome   string    `json:"outcome"`
	Signature string    `json:"signature,omitempty"`
	Reward    uint64    `json:"reward,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
