// Package memory provides an in-process queue.Backend and a ready-made
// queue.Queue built on it. Jobs do not survive a restart; use it for tests
// and single-process deployments.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/worker"
)

// Compile-time interface check.
var _ queue.Backend = (*Backend)(nil)

// Backend is a mutex-guarded job table.
type Backend struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
}

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{jobs: make(map[string]*queue.Job)}
}

// New returns a queue.Queue over a fresh Backend.
func New(opts ...worker.Option) *worker.Queue {
	return worker.NewQueue(NewBackend(), opts...)
}

// Add stores a copy of j.
func (b *Backend) Add(_ context.Context, j *queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[j.ID]; ok {
		return cascade.ErrJobAlreadyExists
	}
	b.jobs[j.ID] = j.Clone()
	return nil
}

// Claim picks the due job with the earliest RunAt.
func (b *Backend) Claim(_ context.Context, queueName string, now time.Time) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *queue.Job
	for _, j := range b.jobs {
		if j.Queue != queueName || !j.State.Claimable() || j.RunAt.After(now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = queue.StateRunning
	started := now
	best.StartedAt = &started
	best.UpdatedAt = now
	return best.Clone(), nil
}

// Update replaces the stored job.
func (b *Backend) Update(_ context.Context, j *queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[j.ID]; !ok {
		return cascade.ErrJobNotFound
	}
	b.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the job.
func (b *Backend) Get(_ context.Context, jobID string) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return nil, cascade.ErrJobNotFound
	}
	return j.Clone(), nil
}

// List returns matching jobs oldest first.
func (b *Backend) List(_ context.Context, f queue.Filter) ([]*queue.Job, error) {
	b.mu.Lock()
	var out []*queue.Job
	for _, j := range b.jobs {
		if f.Match(j) {
			out = append(out, j.Clone())
		}
	}
	b.mu.Unlock()

	slices.SortFunc(out, compareCreated)
	return f.Page(out), nil
}

// Count returns per-state counts for queueName.
func (b *Backend) Count(_ context.Context, queueName string) (queue.Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := queue.Counts{}
	for _, j := range b.jobs {
		if queueName == "" || j.Queue == queueName {
			counts[j.State]++
		}
	}
	return counts, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func before(a, b *queue.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return compareCreated(a, b) < 0
}

func compareCreated(a, b *queue.Job) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
