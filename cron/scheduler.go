package cron

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/id"
	"github.com/xraph/cascade/queue"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
type EnqueueFunc func(ctx context.Context, j *queue.Job) error

// Entry is one recurring job.
type Entry struct {
	ID        id.ID
	Schedule  string
	Template  *queue.Job
	NextRunAt time.Time
	LastRunAt *time.Time

	sched cronlib.Schedule
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs cron entries on a tick loop.
type Scheduler struct {
	enqueue      EnqueueFunc
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry // keyed by template id
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(enqueue EnqueueFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		enqueue:      enqueue,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		tickInterval: time.Second,
		entries:      make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a recurring entry for tmpl. Adding a template id that is
// already scheduled replaces its schedule.
func (s *Scheduler) Add(expr string, tmpl *queue.Job) (*Entry, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:        id.NewScheduleID(),
		Schedule:  expr,
		Template:  tmpl.Clone(),
		NextRunAt: sched.Next(s.now()),
		sched:     sched,
	}

	s.mu.Lock()
	s.entries[tmpl.ID] = e
	s.mu.Unlock()

	s.logger.Debug("cron entry added",
		slog.String("job_id", tmpl.ID),
		slog.String("schedule", expr),
		slog.Time("next_run_at", e.NextRunAt),
	)
	return e, nil
}

// Remove drops the entry for template id.
func (s *Scheduler) Remove(templateID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[templateID]
	delete(s.entries, templateID)
	return ok
}

// Entries returns a snapshot of the registered entries.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)
	s.logger.Info("cron scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(context.Background(), s.now())
		}
	}
}

// tick fires every entry due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	type due struct {
		job *queue.Job
		at  time.Time
	}

	s.mu.Lock()
	var fire []due
	for _, e := range s.entries {
		if e.NextRunAt.After(now) {
			continue
		}
		fire = append(fire, due{job: occurrence(e.Template, e.NextRunAt), at: e.NextRunAt})
		last := e.NextRunAt
		e.LastRunAt = &last
		e.NextRunAt = e.sched.Next(now)
	}
	s.mu.Unlock()

	for _, d := range fire {
		err := s.enqueue(ctx, d.job)
		switch {
		case err == nil:
			s.logger.Info("cron fired",
				slog.String("job_id", d.job.ID),
				slog.String("job_name", d.job.Name),
			)
		case errors.Is(err, cascade.ErrJobAlreadyExists):
			// Another instance fired this occurrence.
		default:
			s.logger.Error("cron enqueue error",
				slog.String("job_id", d.job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OccurrenceID is the job id of tmplID's run at t.
func OccurrenceID(tmplID string, t time.Time) string {
	return tmplID + "__" + strconv.FormatInt(t.Unix(), 10)
}

func occurrence(tmpl *queue.Job, at time.Time) *queue.Job {
	j := tmpl.Clone()
	j.ID = OccurrenceID(tmpl.ID, at)
	j.RunAt = time.Time{}
	return j
}
