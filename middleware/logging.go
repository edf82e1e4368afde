package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/cascade/queue"
)

// Logging logs each attempt. A failure the queue will retry logs at warn,
// a final one at error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *queue.Job, next Handler) error {
		logger.LogAttrs(ctx, slog.LevelDebug, "job started", jobAttrs(j)...)

		start := time.Now()
		err := next(ctx)
		elapsed := slog.Duration("elapsed", time.Since(start))

		switch Outcome(j, err) {
		case OutcomeOK:
			logger.LogAttrs(ctx, slog.LevelDebug, "job completed", jobAttrs(j, elapsed)...)
		case OutcomeRetry:
			logger.LogAttrs(ctx, slog.LevelWarn, "job attempt failed", jobAttrs(j, elapsed,
				slog.Int("max_retries", j.MaxRetries),
				slog.String("error", err.Error()),
			)...)
		default:
			logger.LogAttrs(ctx, slog.LevelError, "job failed", jobAttrs(j, elapsed,
				slog.String("error", err.Error()),
			)...)
		}
		return err
	}
}
