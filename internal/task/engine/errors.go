package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("dispatcher stopped")
	ErrStopping    = errors.New("dispatcher stopping")
	ErrQueueFull   = errors.New("dispatcher queue full")
	ErrOverlapSkip = errors.New("job skipped: previous run still active")
	ErrNilTask     = errors.New("job has no task")
	ErrTaskPanic   = errors.New("task panicked")
)

// NoRetry marks an error as permanent so the dispatcher reports it without
// retrying.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests a delay before the next attempt. The hint is capped by
// JobOptions.RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
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
