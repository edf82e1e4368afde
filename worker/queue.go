package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/cron"
	"github.com/xraph/cascade/middleware"
	"github.com/xraph/cascade/queue"
)

// Compile-time interface check.
var _ queue.Queue = (*Queue)(nil)

// ErrWorkerExists is returned when a queue already has a consumer.
var ErrWorkerExists = errors.New("cascade: worker already registered for queue")

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue, its pools and scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMiddleware appends job middleware. The first is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(q *Queue) { q.middleware = append(q.middleware, mws...) }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithQueuePollInterval sets how often idle workers poll the backend.
func WithQueuePollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithLimits sets per-queue rate limits and concurrency caps.
func WithLimits(limits ...queue.Limit) Option {
	return func(q *Queue) { q.manager = queue.NewManager(limits...) }
}

// WithStaleAfter enables reaping of jobs stuck in running for longer than d.
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) { q.staleAfter = d }
}

// WithCronTick sets the recurring-schedule tick interval.
func WithCronTick(d time.Duration) Option {
	return func(q *Queue) { q.cronTick = d }
}

// Queue implements queue.Queue on top of a Backend.
type Queue struct {
	backend      queue.Backend
	logger       *slog.Logger
	middleware   []middleware.Middleware
	backoff      backoff.Strategy
	manager      *queue.Manager
	pollInterval time.Duration
	staleAfter   time.Duration
	cronTick     time.Duration

	executor  *Executor
	scheduler *cron.Scheduler

	mu      sync.Mutex
	pools   map[string]*Pool
	paused  map[string]bool
	started bool
	closed  bool
}

// NewQueue builds a Queue over backend.
func NewQueue(backend queue.Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:      backend,
		logger:       slog.Default(),
		backoff:      backoff.DefaultStrategy(),
		manager:      queue.NewManager(),
		pollInterval: 250 * time.Millisecond,
		cronTick:     time.Second,
		pools:        make(map[string]*Pool),
		paused:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.executor = NewExecutor(backend, q.backoff, q.logger, q.middleware...)
	q.scheduler = cron.NewScheduler(q.Enqueue,
		cron.WithLogger(q.logger),
		cron.WithTickInterval(q.cronTick),
	)
	return q
}

// Backend returns the underlying backend.
func (q *Queue) Backend() queue.Backend { return q.backend }

// Scheduler returns the recurring-job scheduler.
func (q *Queue) Scheduler() *cron.Scheduler { return q.scheduler }

// Enqueue adds j for execution at j.RunAt, or now when RunAt is zero.
func (q *Queue) Enqueue(ctx context.Context, j *queue.Job) error {
	if q.isClosed() {
		return cascade.ErrQueueClosed
	}
	if j.ID == "" {
		return fmt.Errorf("cascade: job id is required")
	}
	now := time.Now().UTC()
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.State = queue.StatePending
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := q.backend.Add(ctx, j); err != nil {
		return err
	}

	q.mu.Lock()
	p := q.pools[j.Queue]
	q.mu.Unlock()
	if p != nil && !j.RunAt.After(now) {
		p.Wake()
	}
	return nil
}

// Schedule adds j after a delay, or as a recurring cron entry.
func (q *Queue) Schedule(ctx context.Context, j *queue.Job, opts queue.ScheduleOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Delay > 0 {
		cp := j.Clone()
		cp.RunAt = time.Now().UTC().Add(opts.Delay)
		return q.Enqueue(ctx, cp)
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	_, err := q.scheduler.Add(opts.Cron, j)
	return err
}

// RegisterWorker attaches h as the consumer of queueName.
func (q *Queue) RegisterWorker(queueName string, h queue.Handler, opts queue.WorkerOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pools[queueName]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, queueName)
	}

	p := NewPool(queueName, q.backend, q.executor, h, q.logger,
		WithPoolConcurrency(opts.Concurrency),
		WithPollInterval(q.pollInterval),
		WithStaleJobThreshold(q.staleAfter),
		WithQueueManager(q.manager),
	)
	if q.paused[queueName] {
		p.Pause()
	}
	q.pools[queueName] = p

	if q.started && opts.Autorun {
		return p.Start(context.Background())
	}
	return nil
}

// GetJob returns the job with jobID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	return q.backend.Get(ctx, jobID)
}

// GetJobs lists jobs matching f.
func (q *Queue) GetJobs(ctx context.Context, f queue.Filter) ([]*queue.Job, error) {
	return q.backend.List(ctx, f)
}

// GetJobCounts returns per-state counts for queueName.
func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (queue.Counts, error) {
	return q.backend.Count(ctx, queueName)
}

// Pause stops claiming from queueName in this process.
func (q *Queue) Pause(_ context.Context, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused[queueName] = true
	if p := q.pools[queueName]; p != nil {
		p.Pause()
	}
	return nil
}

// Resume restarts claiming from queueName.
func (q *Queue) Resume(_ context.Context, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.paused, queueName)
	if p := q.pools[queueName]; p != nil {
		p.Resume()
	}
	return nil
}

// Start begins consuming every registered queue and firing recurring
// entries.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return cascade.ErrQueueClosed
	}
	q.started = true

	for _, p := range q.pools {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return q.scheduler.Start(ctx)
}

// Close stops the scheduler and every pool, then closes the backend.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pools := make([]*Pool, 0, len(q.pools))
	for _, p := range q.pools {
		pools = append(pools, p)
	}
	q.mu.Unlock()

	if err := q.scheduler.Stop(ctx); err != nil {
		q.logger.Warn("cron scheduler stop error", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error { return p.Stop(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return q.backend.Close()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
