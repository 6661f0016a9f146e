package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		logger.Info("step started",
			slog.String("workflow_id", c.WorkflowID.String()),
			slog.String("step", c.StepID),
			slog.String("agent", c.AgentID),
			slog.Int("attempt", c.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("workflow_id", c.WorkflowID.String()),
				slog.String("step", c.StepID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("workflow_id", c.WorkflowID.String()),
				slog.String("step", c.StepID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
