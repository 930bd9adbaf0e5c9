// Package store provides persistence helpers shared by the storage
// implementations: transient-failure classification and bounded
// exponential-backoff retry.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sitelens/sitelens/internal/analysis"
)

// IsTransient reports whether the error is worth retrying: connection-class
// and serialization-class database failures, network timeouts, and
// retryable vendor errors. Business-logic failures, validation errors, and
// context cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, analysis.ErrValidation) {
		return false
	}
	if errors.Is(err, analysis.ErrExternalService) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection exceptions, 40001 serialization failure,
		// 40P01 deadlock detected.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// RetryWithBackoff runs op up to maxAttempts times, sleeping
// baseDelay * 2^(n-1) after the n-th failure. Only transient errors are
// retried. It returns the number of attempts made alongside the final
// error, nil on success.
func RetryWithBackoff(ctx context.Context, op func(context.Context) error, maxAttempts int, baseDelay time.Duration) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !IsTransient(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}
		delay := baseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return maxAttempts, lastErr
}
