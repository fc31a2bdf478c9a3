package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"crankd/internal/policy"
)

type Config struct {
	// Timezone is an IANA name applied to cron specs; empty means local.
	Timezone string
}

// Job is one housekeeping task. Schedule uses the same grammar as recurring
// ledger tasks (see policy.ParseSchedule).
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type entry struct {
	job  Job
	spec policy.ParsedSpec
	id   cron.EntryID

	// guarded by Service.mu
	running bool
	runs    uint64
	skipped uint64
	failed  uint64
	lastRun time.Time
	lastErr string
}

type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
	Running  bool      `json:"running"`
	Runs     uint64    `json:"runs"`
	Skipped  uint64    `json:"skipped"`
	Failed   uint64    `json:"failed"`
	LastErr  string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}
