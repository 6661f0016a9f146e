package middleware

import (
	"context"
	"log/slog"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// If the call has a non-zero Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled and
// the executor should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		if c.Timeout > 0 {
			logger.Debug("step timeout set",
				slog.String("workflow_id", c.WorkflowID.String()),
				slog.String("step", c.StepID),
				slog.Duration("timeout", c.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
