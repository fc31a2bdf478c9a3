package remote

import (
	"fmt"
	"sync"
)

// State is where a task stands in one worker pass.
type State uint8

const (
	StateIdle State = iota
	StateDue
	StateAwaitingRemote
	StateVerified
	StateExecuted
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateAwaitingRemote:
		return "awaiting_remote"
	case StateVerified:
		return "verified"
	case StateExecuted:
		return "executed"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal states end a pass for the task.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateRejected || s == StateExpired
}

// Transition validates a single state change.
func Transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("invalid task state transition %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateDue
	case StateDue:
		// Inline payloads skip the remote leg.
		return to == StateAwaitingRemote || to == StateExecuted || to == StateExpired
	case StateAwaitingRemote:
		return to == StateVerified || to == StateRejected
	case StateVerified:
		// A failed or raced submission leaves the task Due for the next pass.
		return to == StateExecuted || to == StateDue
	case StateRejected:
		// Re-fetch later; the rejected payload itself is never resubmitted.
		return to == StateDue
	default:
		return false
	}
}

// Lifecycle records one task's path through the states.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	history []State
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle, history: []State{StateIdle}}
}

// Advance moves to next or reports why it cannot.
func (l *Lifecycle) Advance(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := Transition(l.state, next); err != nil {
		return err
	}
	l.state = next
	l.history = append(l.history, next)
	return nil
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) History() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.history...)
}
