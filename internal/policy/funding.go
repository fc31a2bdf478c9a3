// Package policy holds the scheduling rules shared by the worker and the
// ledger emulator: funding minimums, staleness, recurrence and free id
// bookkeeping.
package policy

import (
	"fmt"
	"time"

	"crankd/internal/ledger"
)

// CheckFunding rejects a crank reward below the queue minimum.
func CheckFunding(q *ledger.TaskQueue, reward uint64) error {
	if reward < q.MinCrankReward {
		return fmt.Errorf("%w: %d < %d", ledger.ErrUnderfunded, reward, q.MinCrankReward)
	}
	return nil
}

// DueAt is when t became runnable: its trigger time, or queued_at when that
// is later or the trigger is immediate.
func DueAt(t *ledger.Task) time.Time {
	at := t.QueuedAt
	if t.Trigger.Kind == ledger.TriggerTimestamp && t.Trigger.At > at {
		at = t.Trigger.At
	}
	return time.Unix(at, 0)
}

// Expired reports whether a due task has waited longer than the queue's
// stale task age. Tasks that are not yet due never expire.
func Expired(t *ledger.Task, q *ledger.TaskQueue, now time.Time) bool {
	if q.StaleTaskAge <= 0 || !t.Trigger.Due(now) {
		return false
	}
	return now.Sub(DueAt(t)) > q.StaleTaskAge
}
