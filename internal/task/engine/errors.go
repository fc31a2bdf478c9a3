package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled     = errors.New("task engine disabled")
	ErrStopped      = errors.New("task engine stopped")
	ErrStopping     = errors.New("task engine stopping")
	ErrQueueFull    = errors.New("task engine queue full")
	ErrCircuitOpen  = errors.New("task skipped: circuit breaker open")
	ErrStaleDropped = errors.New("task dropped: waited in queue too long")
	ErrInvalidTask  = errors.New("task engine: task needs a Name and Run")
)

// NoRetry marks a permanent failure so the engine stops retrying it.
//
//	return engine.NoRetry(fmt.Errorf("bad signature: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a downstream hint such as an HTTP Retry-After header.
// The engine waits at least that long, bounded by RetryMaxDelay, plus jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
