package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/log"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func newTestHandler(maxAttempts int) *RetryHandler {
	return NewRetryHandler(log.WithFields("test", "test"), maxAttempts, time.Millisecond, 5*time.Millisecond, errFatal)
}

func TestRetryHandlerSucceedsAfterTransientErrors(t *testing.T) {
	h := newTestHandler(5)
	calls := 0
	attempts, err := h.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
}

func TestRetryHandlerExhausts(t *testing.T) {
	h := newTestHandler(4)
	attempts, err := h.Do(context.Background(), "op", func(ctx context.Context) error {
		return errTransient
	})
	require.Equal(t, 4, attempts)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errTransient)
}

func TestRetryHandlerStopsOnNonRetryable(t *testing.T) {
	h := newTestHandler(4)
	attempts, err := h.Do(context.Background(), "op", func(ctx context.Context) error {
		return errFatal
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, errFatal)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetryHandlerContextCancelled(t *testing.T) {
	h := NewRetryHandler(log.WithFields("test", "test"), 10, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	attempts, err := h.Do(ctx, "op", func(ctx context.Context) error {
		return errTransient
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRetryHandlerDefaults(t *testing.T) {
	h := NewRetryHandler(nil, 0, 0, 0)
	require.Equal(t, MaxRetryAttemptsAfterError, h.MaxRetryAttemptsAfterError)
	require.Equal(t, RetryAfterErrorPeriod, h.RetryAfterErrorPeriod)
	require.Equal(t, MaxRetryBackoff, h.MaxRetryBackoff)
}
