package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/ratelimit"
)

// RateLimit returns middleware that gates step execution on the step's
// rate class. A refused call retries with backoff until a token is
// granted, the per-class budget of attempts runs out, or the context is
// cancelled. Steps without a rate class pass straight through.
func RateLimit(limiter *ratelimit.Manager, strategy backoff.Strategy, maxAttempts int, logger *slog.Logger) Middleware {
	if strategy == nil {
		strategy = backoff.RateLimitStrategy()
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return func(ctx context.Context, c *Call, next Handler) error {
		if c.RateClass == "" {
			return next(ctx)
		}

		for attempt := 1; ; attempt++ {
			if limiter.Allow(c.RateClass) {
				return next(ctx)
			}
			if attempt >= maxAttempts {
				return fmt.Errorf("ratelimit: class %q: attempts exhausted: %w", c.RateClass, loom.ErrRateLimited)
			}

			delay := strategy.Delay(attempt)
			logger.Debug("rate limited, backing off",
				slog.String("workflow_id", c.WorkflowID.String()),
				slog.String("step", c.StepID),
				slog.String("class", c.RateClass),
				slog.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}
