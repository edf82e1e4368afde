package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/cascade/queue"
)

// Recover turns a panic below it into an error so the queue can retry or
// fail the job. The stack is logged.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *queue.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.LogAttrs(ctx, slog.LevelError, "job panicked", jobAttrs(j,
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)...)
				retErr = fmt.Errorf("panic in job %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}
