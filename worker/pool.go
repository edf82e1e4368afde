package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/cascade/id"
	"github.com/xraph/cascade/queue"
)

// QueueManager controls per-queue rate limiting and concurrency. The pool
// calls Acquire before executing a claimed job and Release after.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Pool manages the goroutines consuming one queue.
type Pool struct {
	queue        string
	backend      queue.Backend
	executor     *Executor
	handler      queue.Handler
	concurrency  int
	pollInterval time.Duration
	staleAfter   time.Duration
	workerID     id.ID
	logger       *slog.Logger
	manager      QueueManager

	paused atomic.Bool
	wake   chan struct{}

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithStaleJobThreshold sets how long a job may stay running before the
// pool's reaper makes it claimable again. Zero disables reaping.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleAfter = d }
}

// WithQueueManager sets the rate limit and concurrency gate.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.manager = m }
}

// NewPool creates a pool consuming queueName with h.
func NewPool(queueName string, backend queue.Backend, executor *Executor, h queue.Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        queueName,
		backend:      backend,
		executor:     executor,
		handler:      h,
		concurrency:  1,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		wake:         make(chan struct{}, 1),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Running reports whether the pool has been started and not stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Pause stops claiming new jobs. Running jobs finish.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume restarts claiming.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.Wake()
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Wake nudges one idle worker to poll immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queue),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop(p.stopCh)
	}
	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.reaperLoop(p.stopCh)
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If ctx ends first, active jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", slog.String("queue", p.queue))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.String("queue", p.queue))
		p.cancelActiveJobs()
		<-done
	}
	return nil
}

func (p *Pool) dequeueLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if p.paused.Load() {
			p.sleep(stop)
			continue
		}

		j, err := p.backend.Claim(context.Background(), p.queue, time.Now().UTC())
		if err != nil {
			p.logger.Error("claim error",
				slog.String("queue", p.queue),
				slog.String("error", err.Error()),
			)
			p.sleep(stop)
			continue
		}
		if j == nil {
			p.sleep(stop)
			continue
		}

		if p.manager != nil && !p.manager.Acquire(j.Queue) {
			p.putBack(j)
			p.sleep(stop)
			continue
		}

		p.run(j)

		if p.manager != nil {
			p.manager.Release(j.Queue)
		}
	}
}

func (p *Pool) run(j *queue.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.trackJob(j.ID, cancel)
	defer p.untrackJob(j.ID)

	if err := p.executor.Execute(ctx, j, p.handler); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}
}

// putBack returns a rate-limited job to pending with a small delay.
func (p *Pool) putBack(j *queue.Job) {
	j.State = queue.StatePending
	j.RunAt = time.Now().UTC().Add(p.pollInterval)
	j.StartedAt = nil
	if err := p.backend.Update(context.Background(), j); err != nil {
		p.logger.Error("failed to re-enqueue rate-limited job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) reaperLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

func (p *Pool) reapStaleJobs() {
	ctx := context.Background()
	running, err := p.backend.List(ctx, queue.Filter{Queue: p.queue, States: []queue.State{queue.StateRunning}})
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().Add(-p.staleAfter)
	for _, j := range running {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) || p.isActive(j.ID) {
			continue
		}
		j.State = queue.StatePending
		j.RunAt = time.Now().UTC()
		j.StartedAt = nil
		if err := p.backend.Update(ctx, j); err != nil {
			p.logger.Error("reap: failed to reset stale job",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Info("reaped stale job",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
		)
	}
}

func (p *Pool) sleep(stop <-chan struct{}) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.wake:
	case <-stop:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) isActive(jobID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.activeJobs[jobID]
	return ok
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
