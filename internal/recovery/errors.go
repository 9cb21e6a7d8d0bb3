package recovery

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout     = errors.New("execution timed out")
	ErrMemoryLimit = errors.New("memory limit exceeded")
)

// WithCategory pins the category of err, bypassing message matching.
func WithCategory(err error, c Category) error {
	if err == nil {
		return nil
	}
	return categorizedError{err: err, cat: c}
}

type categorizedError struct {
	err error
	cat Category
}

func (e categorizedError) Error() string      { return e.err.Error() }
func (e categorizedError) Unwrap() error      { return e.err }
func (e categorizedError) Category() Category { return e.cat }

// NoRetry marks err as permanent regardless of its category policy.
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

// RetryAfter suggests a delay before the next attempt. It still respects
// the max retry delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

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
