package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines per-queue rate limiting and concurrency.
type Limit struct {
	// Name is the queue identifier (must match the Job.Queue field).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously in this process. Zero means no queue-specific limit
	// (worker concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// claimed from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type queueState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Manager controls per-queue rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given limits.
// Queues not listed here have no limits.
func NewManager(limits ...Limit) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(limits))}
	for _, l := range limits {
		m.queues[l.Name] = newQueueState(l)
	}
	return m
}

func newQueueState(l Limit) *queueState {
	qs := &queueState{limit: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return qs
}

// Acquire checks rate limit and concurrency for queue. If a job may
// proceed it increments the active counter and returns true. The caller
// MUST call Release when the job completes.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limit.MaxConcurrency > 0 && qs.active >= qs.limit.MaxConcurrency {
		return false
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	qs.active++
	return true
}

// Release decrements the active job count for queue.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetLimit dynamically updates (or creates) a queue limit.
func (m *Manager) SetLimit(l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(l)
	if existing := m.queues[l.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[l.Name] = qs
}

// ActiveCount returns the current number of active jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
