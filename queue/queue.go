package queue

import (
	"context"
	"errors"
	"time"
)

// Handler processes one claimed job. Returning an error fails the attempt.
type Handler func(ctx context.Context, j *Job) error

// WorkerOptions configures the consumer of one queue.
type WorkerOptions struct {
	// Concurrency is the number of goroutines claiming from the queue.
	// Defaults to 1.
	Concurrency int

	// Autorun starts consuming on registration when the Queue is already
	// started. Workers registered before Start always run on Start.
	Autorun bool
}

// ScheduleOptions says when a scheduled job runs. Exactly one of Delay and
// Cron must be set.
type ScheduleOptions struct {
	Delay time.Duration
	Cron  string
}

// ErrBadSchedule is returned when ScheduleOptions sets neither or both
// fields.
var ErrBadSchedule = errors.New("cascade: schedule needs exactly one of delay or cron")

// Validate checks that exactly one trigger is set.
func (o ScheduleOptions) Validate() error {
	if (o.Delay > 0) == (o.Cron != "") {
		return ErrBadSchedule
	}
	return nil
}

// Queue is the job queue the orchestrator dispatches onto.
type Queue interface {
	// Enqueue adds j for immediate execution. A duplicate id returns
	// cascade.ErrJobAlreadyExists and leaves the existing job untouched.
	Enqueue(ctx context.Context, j *Job) error

	// Schedule adds j for delayed or recurring execution. Recurring runs
	// derive their ids from j.ID and the occurrence time.
	Schedule(ctx context.Context, j *Job, opts ScheduleOptions) error

	// RegisterWorker attaches h as the consumer of queue.
	RegisterWorker(queue string, h Handler, opts WorkerOptions) error

	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobs(ctx context.Context, f Filter) ([]*Job, error)
	GetJobCounts(ctx context.Context, queue string) (Counts, error)

	// Pause stops claiming from queue until Resume. Running jobs finish.
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error

	// Start begins consuming every registered queue.
	Start(ctx context.Context) error

	// Close stops the workers, waiting for running jobs until ctx ends.
	Close(ctx context.Context) error
}

// Backend is the persistence a Queue is built on.
type Backend interface {
	// Add persists a new job. A duplicate id returns
	// cascade.ErrJobAlreadyExists.
	Add(ctx context.Context, j *Job) error

	// Claim atomically moves one due job of queue to running and returns
	// it, or returns nil when none is due.
	Claim(ctx context.Context, queue string, now time.Time) (*Job, error)

	// Update persists a job's state after execution. Retrying and pending
	// jobs become claimable again at RunAt.
	Update(ctx context.Context, j *Job) error

	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, error)
	Count(ctx context.Context, queue string) (Counts, error)

	Close() error
}
