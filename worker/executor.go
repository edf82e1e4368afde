package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/middleware"
	"github.com/xraph/cascade/queue"
)

// Executor runs a single job through middleware and its handler, then
// records the outcome: completed, retrying with backoff, or failed.
type Executor struct {
	backend queue.Backend
	backoff backoff.Strategy
	mw      middleware.Middleware
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(backend queue.Backend, bo backoff.Strategy, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		backend: backend,
		backoff: bo,
		mw:      middleware.Chain(mws...),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs j with h and persists the resulting state. It returns the
// handler's error, or the error from persisting the outcome.
func (e *Executor) Execute(ctx context.Context, j *queue.Job, h queue.Handler) error {
	err := e.mw(ctx, j, func(ctx context.Context) error {
		return h(ctx, j)
	})

	now := e.now()
	j.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}

	j.State = queue.StateCompleted
	j.CompletedAt = &now
	j.LastError = ""
	if updateErr := e.backend.Update(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *queue.Job, handlerErr error, now time.Time) error {
	j.LastError = handlerErr.Error()

	if j.Final() {
		j.State = queue.StateFailed
		if updateErr := e.backend.Update(ctx, j); updateErr != nil {
			e.logger.Error("failed to update job as failed",
				slog.String("job_id", j.ID),
				slog.String("error", updateErr.Error()),
			)
			return updateErr
		}
		e.logger.Warn("job failed after exhausting retries",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.Int("attempts", j.Attempt+1),
			slog.String("error", handlerErr.Error()),
		)
		return handlerErr
	}

	j.Attempt++
	delay := e.backoff.Delay(j.Attempt)
	j.RunAt = now.Add(delay)
	j.State = queue.StateRetrying

	if updateErr := e.backend.Update(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempt),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)
	return handlerErr
}
