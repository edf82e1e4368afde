// Package queuetest holds the behavioral tests every queue.Backend must
// pass, both directly and when composed into a worker.Queue. Backend
// packages call Run from their own tests.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/worker"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) queue.Backend

// Run executes the conformance tests against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Backend/AddRejectsDuplicates", func(t *testing.T) { testAddDuplicate(t, newBackend(t)) })
	t.Run("Backend/ClaimRespectsRunAt", func(t *testing.T) { testClaimRunAt(t, newBackend(t)) })
	t.Run("Backend/ClaimIsExclusive", func(t *testing.T) { testClaimExclusive(t, newBackend(t)) })
	t.Run("Backend/UpdateRequeues", func(t *testing.T) { testUpdateRequeue(t, newBackend(t)) })
	t.Run("Backend/ListAndCount", func(t *testing.T) { testListCount(t, newBackend(t)) })
	t.Run("Queue/ProcessesJob", func(t *testing.T) { testProcesses(t, newQueue(t, newBackend)) })
	t.Run("Queue/RetriesThenFails", func(t *testing.T) { testRetries(t, newQueue(t, newBackend)) })
	t.Run("Queue/DelayedSchedule", func(t *testing.T) { testDelay(t, newQueue(t, newBackend)) })
	t.Run("Queue/PauseResume", func(t *testing.T) { testPause(t, newQueue(t, newBackend)) })
	t.Run("Queue/DuplicateEnqueueRunsOnce", func(t *testing.T) { testDuplicateRunsOnce(t, newQueue(t, newBackend)) })
}

func newQueue(t *testing.T, newBackend Factory) *worker.Queue {
	t.Helper()
	q := worker.NewQueue(newBackend(t),
		worker.WithQueuePollInterval(5*time.Millisecond),
		worker.WithBackoff(backoff.NewConstant(5*time.Millisecond)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func newJob(id, q string, runAt time.Time) *queue.Job {
	now := time.Now().UTC()
	return &queue.Job{
		ID:        id,
		Name:      "step",
		Queue:     q,
		Data:      json.RawMessage(`{"id":"` + id + `"}`),
		State:     queue.StatePending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func testAddDuplicate(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, b.Add(ctx, newJob("run_1__a", "default", now)))
	err := b.Add(ctx, newJob("run_1__a", "other", now))
	require.ErrorIs(t, err, cascade.ErrJobAlreadyExists)

	j, err := b.Get(ctx, "run_1__a")
	require.NoError(t, err)
	assert.Equal(t, "default", j.Queue, "duplicate must not overwrite")
	assert.JSONEq(t, `{"id":"run_1__a"}`, string(j.Data))

	_, err = b.Get(ctx, "missing")
	require.ErrorIs(t, err, cascade.ErrJobNotFound)
}

func testClaimRunAt(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, b.Add(ctx, newJob("later", "q", now.Add(time.Hour))))
	require.NoError(t, b.Add(ctx, newJob("second", "q", now.Add(-time.Second))))
	require.NoError(t, b.Add(ctx, newJob("first", "q", now.Add(-2*time.Second))))
	require.NoError(t, b.Add(ctx, newJob("elsewhere", "other", now.Add(-time.Hour))))

	j, err := b.Claim(ctx, "q", now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "first", j.ID)
	assert.Equal(t, queue.StateRunning, j.State)
	assert.NotNil(t, j.StartedAt)

	j, err = b.Claim(ctx, "q", now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "second", j.ID)

	j, err = b.Claim(ctx, "q", now)
	require.NoError(t, err)
	assert.Nil(t, j, "future job must not be claimed")

	stored, err := b.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, queue.StateRunning, stored.State)
}

func testClaimExclusive(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()
	const jobs = 20
	for i := range jobs {
		require.NoError(t, b.Add(ctx, newJob(fmt.Sprintf("j%02d", i), "q", now.Add(-time.Second))))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := b.Claim(ctx, "q", now)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testUpdateRequeue(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, b.Add(ctx, newJob("r", "q", now.Add(-time.Second))))

	j, err := b.Claim(ctx, "q", now)
	require.NoError(t, err)
	require.NotNil(t, j)

	j.State = queue.StateRetrying
	j.Attempt = 1
	j.LastError = "boom"
	j.RunAt = now.Add(time.Minute)
	require.NoError(t, b.Update(ctx, j))

	got, err := b.Claim(ctx, "q", now)
	require.NoError(t, err)
	assert.Nil(t, got, "retry is not due yet")

	got, err = b.Claim(ctx, "q", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "boom", got.LastError)

	got.State = queue.StateCompleted
	require.NoError(t, b.Update(ctx, got))
	again, err := b.Claim(ctx, "q", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again, "completed jobs are never claimed")

	require.ErrorIs(t, b.Update(ctx, newJob("ghost", "q", now)), cascade.ErrJobNotFound)
}

func testListCount(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()
	for i, q := range []string{"a", "a", "b"} {
		j := newJob(fmt.Sprintf("l%d", i), q, now)
		j.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, b.Add(ctx, j))
	}
	done, err := b.Claim(ctx, "a", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, done)
	done.State = queue.StateFailed
	require.NoError(t, b.Update(ctx, done))

	all, err := b.List(ctx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"l0", "l1", "l2"}, []string{all[0].ID, all[1].ID, all[2].ID})

	failed, err := b.List(ctx, queue.Filter{Queue: "a", States: []queue.State{queue.StateFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "l0", failed[0].ID)

	page, err := b.List(ctx, queue.Filter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "l1", page[0].ID)

	counts, err := b.Count(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.StateFailed])
	assert.Equal(t, int64(1), counts[queue.StatePending])
}

func testProcesses(t *testing.T, q *worker.Queue) {
	ctx := context.Background()
	var got atomic.Value
	require.NoError(t, q.RegisterWorker("default", func(_ context.Context, j *queue.Job) error {
		var payload struct{ ID string }
		if err := j.Decode(&payload); err != nil {
			return err
		}
		got.Store(payload.ID)
		return nil
	}, queue.WorkerOptions{Concurrency: 2}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, &queue.Job{ID: "p1", Name: "step", Data: json.RawMessage(`{"id":"p1"}`)}))

	eventually(t, func() bool {
		j, err := q.GetJob(ctx, "p1")
		return err == nil && j.State == queue.StateCompleted
	}, "job never completed")
	assert.Equal(t, "p1", got.Load())
}

func testRetries(t *testing.T, q *worker.Queue) {
	ctx := context.Background()
	var attempts atomic.Int32
	var finals []bool
	var mu sync.Mutex
	require.NoError(t, q.RegisterWorker("flaky", func(_ context.Context, j *queue.Job) error {
		attempts.Add(1)
		mu.Lock()
		finals = append(finals, j.Final())
		mu.Unlock()
		return errors.New("always fails")
	}, queue.WorkerOptions{}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, &queue.Job{ID: "f1", Queue: "flaky", MaxRetries: 2}))

	eventually(t, func() bool {
		j, err := q.GetJob(ctx, "f1")
		return err == nil && j.State == queue.StateFailed
	}, "job never failed")

	assert.Equal(t, int32(3), attempts.Load())
	mu.Lock()
	assert.Equal(t, []bool{false, false, true}, finals)
	mu.Unlock()

	j, err := q.GetJob(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "always fails", j.LastError)
}

func testDelay(t *testing.T, q *worker.Queue) {
	ctx := context.Background()
	var ranAt atomic.Int64
	require.NoError(t, q.RegisterWorker("timers", func(_ context.Context, _ *queue.Job) error {
		ranAt.Store(time.Now().UnixNano())
		return nil
	}, queue.WorkerOptions{}))
	require.NoError(t, q.Start(ctx))

	start := time.Now()
	require.NoError(t, q.Schedule(ctx, &queue.Job{ID: "d1", Queue: "timers"}, queue.ScheduleOptions{Delay: 100 * time.Millisecond}))

	eventually(t, func() bool { return ranAt.Load() != 0 }, "delayed job never ran")
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()-start.UnixNano()), 100*time.Millisecond)

	require.ErrorIs(t, q.Schedule(ctx, &queue.Job{ID: "bad"}, queue.ScheduleOptions{}), queue.ErrBadSchedule)
}

func testPause(t *testing.T, q *worker.Queue) {
	ctx := context.Background()
	var ran atomic.Int32
	require.NoError(t, q.Pause(ctx, "paused"))
	require.NoError(t, q.RegisterWorker("paused", func(_ context.Context, _ *queue.Job) error {
		ran.Add(1)
		return nil
	}, queue.WorkerOptions{}))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Enqueue(ctx, &queue.Job{ID: "z1", Queue: "paused"}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load(), "paused queue must not run jobs")

	require.NoError(t, q.Resume(ctx, "paused"))
	eventually(t, func() bool { return ran.Load() == 1 }, "resumed queue never ran the job")
}

func testDuplicateRunsOnce(t *testing.T, q *worker.Queue) {
	ctx := context.Background()
	var ran atomic.Int32
	require.NoError(t, q.RegisterWorker("dup", func(_ context.Context, _ *queue.Job) error {
		ran.Add(1)
		return nil
	}, queue.WorkerOptions{Concurrency: 4}))
	require.NoError(t, q.Start(ctx))

	var wg sync.WaitGroup
	var dups atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Enqueue(ctx, &queue.Job{ID: "run_1__b", Queue: "dup"})
			if errors.Is(err, cascade.ErrJobAlreadyExists) {
				dups.Add(1)
			} else if err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(9), dups.Load())

	eventually(t, func() bool {
		j, err := q.GetJob(ctx, "run_1__b")
		return err == nil && j.State == queue.StateCompleted
	}, "job never completed")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), ran.Load())
}
