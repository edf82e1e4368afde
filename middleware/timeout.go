package middleware

import (
	"context"
	"time"

	"github.com/xraph/cascade/queue"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// The job's own Timeout wins; fallback applies to jobs without one. Zero
// disables the deadline.
func Timeout(fallback time.Duration) Middleware {
	return func(ctx context.Context, j *queue.Job, next Handler) error {
		d := j.Timeout
		if d <= 0 {
			d = fallback
		}
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
