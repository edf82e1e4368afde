package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/xraph/cascade/queue"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps the execution of one job attempt. It must call next
// unless it short-circuits with an error.
type Middleware func(ctx context.Context, j *queue.Job, next Handler) error

// Chain composes middleware; the first one is the outermost:
//
//	Chain(recover, tracing, logging)  // recover → tracing → logging → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *queue.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error { return mw(ctx, j, inner) }
		}
		return h(ctx)
	}
}

// RunID returns the run a cascade job belongs to: the job id up to the
// first "__". Jobs enqueued outside cascade yield "".
func RunID(j *queue.Job) string {
	runID, _, ok := strings.Cut(j.ID, "__")
	if !ok {
		return ""
	}
	return runID
}

// Outcomes of one execution.
const (
	OutcomeOK     = "ok"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
)

// Outcome classifies err for j: nil is ok, a failure the queue will
// retry is retry, and a failure exhausting the retries is failed.
func Outcome(j *queue.Job, err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case j.Final():
		return OutcomeFailed
	default:
		return OutcomeRetry
	}
}

func jobAttrs(j *queue.Job, extra ...slog.Attr) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("job_id", j.ID),
		slog.String("step", j.Name),
		slog.String("queue", j.Queue),
		slog.Int("attempt", j.Attempt+1),
	}
	if runID := RunID(j); runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	return append(attrs, extra...)
}
