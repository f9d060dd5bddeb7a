package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/valuebridge/bridge-node/log"
)

var (
	RetryAfterErrorPeriod      = time.Second * 10
	MaxRetryAttemptsAfterError = 5
	MaxRetryBackoff            = time.Minute * 5

	// ErrRetriesExhausted wraps the last error once every attempt failed
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RetryHandler runs an operation with exponential backoff and a bounded number of attempts.
// Errors matching any of NonRetryable stop the loop immediately.
type RetryHandler struct {
	MaxRetryAttemptsAfterError int
	RetryAfterErrorPeriod      time.Duration
	MaxRetryBackoff            time.Duration
	NonRetryable               []error
	Logger                     *log.Logger
}

// NewRetryHandler returns a handler using the package defaults for zero values
func NewRetryHandler(logger *log.Logger, maxAttempts int, initial, maxBackoff time.Duration,
	nonRetryable ...error) *RetryHandler {
	if maxAttempts <= 0 {
		maxAttempts = MaxRetryAttemptsAfterError
	}
	if initial <= 0 {
		initial = RetryAfterErrorPeriod
	}
	if maxBackoff <= 0 {
		maxBackoff = MaxRetryBackoff
	}
	return &RetryHandler{
		MaxRetryAttemptsAfterError: maxAttempts,
		RetryAfterErrorPeriod:      initial,
		MaxRetryBackoff:            maxBackoff,
		NonRetryable:               nonRetryable,
		Logger:                     logger,
	}
}

func (h *RetryHandler) isRetryable(err error) bool {
	for _, nr := range h.NonRetryable {
		if errors.Is(err, nr) {
			return false
		}
	}
	return true
}

// Do executes fn until it succeeds, returns a non retryable error, the attempts are exhausted
// or ctx is done. It returns the number of attempts performed.
func (h *RetryHandler) Do(ctx context.Context, funcName string, fn func(ctx context.Context) error) (int, error) {
	backoff := retry.NewExponential(h.RetryAfterErrorPeriod)
	backoff = retry.WithCappedDuration(h.MaxRetryBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(h.MaxRetryAttemptsAfterError-1), backoff)

	attempts := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !h.isRetryable(lastErr) {
			return lastErr
		}
		if h.Logger != nil {
			h.Logger.Warnf("%s failed (attempt %d/%d): %v",
				funcName, attempts, h.MaxRetryAttemptsAfterError, lastErr)
		}
		return retry.RetryableError(lastErr)
	})
	switch {
	case err == nil:
		return attempts, nil
	case lastErr != nil && !h.isRetryable(lastErr):
		return attempts, lastErr
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	default:
		return attempts, fmt.Errorf("%s failed %d times: %w: %w", funcName, attempts, ErrRetriesExhausted, lastErr)
	}
}
