package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// BackoffStrategy defines retry wait behavior.
type BackoffStrategy string

const (
	BackoffLinear            BackoffStrategy = "linear"
	BackoffExponential       BackoffStrategy = "exponential"
	BackoffExponentialJitter BackoffStrategy = "exponential_jitter"
)

// Policy configures bounded retries for transient delivery failures.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffStrategy
	BaseDelay   time.Duration
}

// Execute runs fn up to policy.MaxAttempts times, sleeping between attempts.
// A Permanent-wrapped error stops retrying immediately.
func Execute(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.cause
		}
		if i == attempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(BackoffDuration(policy.Backoff, i, policy.BaseDelay)):
		}
	}
	return lastErr
}

// BackoffDuration computes the wait before the next attempt.
func BackoffDuration(strategy BackoffStrategy, attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	switch strategy {
	case BackoffExponential:
		return base * time.Duration(1<<uint(attempt-1))
	case BackoffExponentialJitter:
		exp := base * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(base)))
		return exp + jitter
	default:
		return base * time.Duration(attempt)
	}
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as not eligible for further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}
