package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls Retry: up to MaxAttempts executions with delays of
// BaseDelay·2^(i-1) between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the write-path default: 3 attempts, 1s base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Retry executes fn up to policy.MaxAttempts times with exponential
// backoff, surfacing the last error when the budget is exhausted. The
// backoff wait respects ctx cancellation.
func Retry(ctx context.Context, policy RetryPolicy, operation string, logger *zap.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BaseDelay << (attempt - 1)
		logger.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}
