package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, Multiplier: 2}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fast, func() error {
		calls++
		if calls < 3 {
			return errors.New("locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	sentinel := errors.New("locked")
	calls := 0
	err := Retry(context.Background(), fast, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("corrupt")
	calls := 0
	err := Retry(context.Background(), fast, func() error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxRetries: 5, InitialInterval: time.Hour}, func() error {
		return errors.New("locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrappedErrorsStayRetryable(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fast, func() error {
		calls++
		return fmt.Errorf("open database: %w", errors.New("sharing violation"))
	})
	assert.Equal(t, 3, calls)
}
