// Package retry provides bounded retries with exponential backoff and
// jitter, aware of the error taxonomy: semantic failures are never retried,
// and rate-limit hints stretch the next delay.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, the first included.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential backoff multiplier.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5) of its nominal value.
	Jitter bool
}

// DefaultConfig is the schedule used for provider calls: 3 attempts,
// 500 ms base, doubling, jittered.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result is the outcome of a retried operation.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do executes op until it succeeds, a non-retryable error occurs, or the
// attempt budget runs out.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if !IsRetryable(err) || attempt >= config.MaxAttempts {
			break
		}

		sleep := delay
		if config.Jitter {
			jitterFactor := 0.5 + rand.Float64() // #nosec G404 -- jitter needs no cryptographic randomness
			sleep = time.Duration(float64(delay) * jitterFactor)
		}
		// A rate-limited dependency that names its own retry window wins
		// over the computed backoff.
		if hint := retryAfterHint(err); hint > sleep {
			sleep = hint
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation returning a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError marks an error that must not be retried regardless of kind.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to stop further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsRetryable decides whether another attempt can change the outcome.
// Semantic rejections (validation, auth, permission, not-found, conflict,
// quota) and an open circuit stay failed; rate limits and transient internal
// failures are retried.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation,
		apperr.KindAuthentication,
		apperr.KindPermission,
		apperr.KindNotFound,
		apperr.KindConflict,
		apperr.KindQuota,
		apperr.KindCircuitOpen,
		apperr.KindToolExecution:
		return false
	default:
		return true
	}
}

func retryAfterHint(err error) time.Duration {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return time.Duration(appErr.RetryAfter) * time.Second
	}
	return 0
}
