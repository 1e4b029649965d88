// pkg/retry/retry.go - functions for retrying actions with exponential backoff.

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// NonRetryableError interface for errors that should not be retried
type NonRetryableError interface {
	error
	NonRetryable()
}

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) NonRetryable() {}

// RetryConfig defines the configuration for retry attempts
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

// Retry runs action until it succeeds, returns a NonRetryableError, the
// attempts run out or ctx is done. The last error is wrapped in the result.
func Retry(ctx context.Context, config RetryConfig, action func() error) error {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	interval := config.InitialInterval

	var lastErr error
	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		lastErr = action()
		if lastErr == nil {
			return nil
		}

		var nonRetryable NonRetryableError
		if errors.As(lastErr, &nonRetryable) {
			logging.Debug("Non-retryable error", "attempt", attempt, "error", lastErr)
			return lastErr
		}
		if attempt == config.MaxRetries {
			break
		}

		logging.Debug("Attempt failed, retrying", "attempt", attempt, "max_attempts", config.MaxRetries,
			"retry_delay", interval.String(), "error", lastErr)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * config.Multiplier)
	}

	return fmt.Errorf("action failed after %d attempts: %w", config.MaxRetries, lastErr)
}
