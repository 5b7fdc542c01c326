package util

import (
	"context"
	"time"

	"github.com/assetvault/go-assetvault/service/logger"
)

// Retry runs fn up to maxAttempts times with exponential backoff starting at
// baseDelay (baseDelay, 2*baseDelay, 4*baseDelay, ...). It returns the first
// success, or the last error once attempts are exhausted. The context is
// honored between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			logger.For(ctx).Warnf("retrying in %s (%d/%d): %s", delay, attempt, maxAttempts, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
