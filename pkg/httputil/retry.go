// Package httputil provides retry, timeout, and failure-classification
// helpers shared by the registry client.
package httputil

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout is the per-attempt timeout for registry requests.
const DefaultTimeout = 10 * time.Second

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (network timeouts, connection resets) with this type
// so that [Retry] knows to attempt the operation again.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// retryIndicators are the message fragments that mark a failure as transient.
// Only timeouts and connection resets qualify; everything else (bad JSON,
// missing fields, digest mismatches, 4xx responses) is terminal.
var retryIndicators = []string{
	"timeout",
	"timed out",
	"etimedout",
	"econnreset",
	"connection reset",
}

// ShouldRetry reports whether err describes a transient transport failure.
// Classification is by message: a failure whose text indicates a timeout or a
// connection reset is retryable. A nil error is not retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range retryIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// Retry executes fn up to attempts times with exponential backoff.
// It retries errors wrapped with [RetryableError] or classified transient by
// [ShouldRetry]; other errors are returned immediately. The delay doubles
// after each failed attempt. Returns the last error if all attempts fail, or
// ctx.Err() if cancelled while waiting to retry.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else if lastErr = err; !isRetryable(err) {
			return err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.As(err, new(*RetryableError)) || ShouldRetry(err)
}

// NewHTTPClient creates an HTTP client without a global timeout; per-attempt
// deadlines are applied through the request context so that a timed-out
// attempt counts against the attempt budget.
func NewHTTPClient() *http.Client {
	return &http.Client{}
}
