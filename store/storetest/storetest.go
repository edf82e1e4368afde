// Package storetest holds the behavioral tests every store.Store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// Run executes the conformance tests against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsMonotonicIDs", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("ReadOptions", func(t *testing.T) { testRead(t, newStore(t)) })
	t.Run("IndexAddGet", func(t *testing.T) { testIndexAddGet(t, newStore(t)) })
	t.Run("IndexUpdateVersionCheck", func(t *testing.T) { testIndexUpdate(t, newStore(t)) })
	t.Run("IndexIncrementConcurrent", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("UpdateWithRetryConcurrent", func(t *testing.T) { testUpdateWithRetry(t, newStore(t)) })
	t.Run("IndexReadNewestFirst", func(t *testing.T) { testIndexRead(t, newStore(t)) })
	t.Run("KeyValue", func(t *testing.T) { testKV(t, newStore(t)) })
}

func appendN(t *testing.T, s store.Store, subject string, types ...event.Type) []*event.Record {
	t.Helper()
	out := make([]*event.Record, 0, len(types))
	for i, typ := range types {
		rec, err := s.Append(context.Background(), subject, &event.Record{
			Type:     typ,
			RunID:    "run_1",
			FlowName: "checkout",
			StepName: fmt.Sprintf("s%d", i),
			Data:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func testAppend(t *testing.T, s store.Store) {
	recs := appendN(t, s, "run:run_1", event.FlowStart, event.StepStarted, event.StepCompleted)

	seen := map[string]bool{}
	for _, r := range recs {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.Timestamp.IsZero())
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}

	got, err := s.Read(context.Background(), "run:run_1", store.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range recs {
		assert.Equal(t, recs[i].ID, got[i].ID)
		assert.Equal(t, recs[i].Type, got[i].Type)
		assert.Equal(t, recs[i].StepName, got[i].StepName)
		assert.JSONEq(t, string(recs[i].Data), string(got[i].Data))
	}

	other, err := s.Read(context.Background(), "run:other", store.ReadOptions{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	recs := appendN(t, s, "run:run_1",
		event.FlowStart, event.StepCompleted, event.Emit, event.StepCompleted, event.StepFailed)

	desc, err := s.Read(ctx, "run:run_1", store.ReadOptions{Order: store.OrderDesc, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, recs[4].ID, desc[0].ID)
	assert.Equal(t, recs[3].ID, desc[1].ID)

	from, err := s.Read(ctx, "run:run_1", store.ReadOptions{FromID: recs[1].ID})
	require.NoError(t, err)
	require.Len(t, from, 3)
	assert.Equal(t, recs[2].ID, from[0].ID)

	typed, err := s.Read(ctx, "run:run_1", store.ReadOptions{Types: []event.Type{event.StepCompleted}})
	require.NoError(t, err)
	require.Len(t, typed, 2)
	assert.Equal(t, recs[1].ID, typed[0].ID)
	assert.Equal(t, recs[3].ID, typed[1].ID)

	typedLimit, err := s.Read(ctx, "run:run_1", store.ReadOptions{
		Types: []event.Type{event.StepCompleted, event.StepFailed},
		Order: store.OrderDesc,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, typedLimit, 1)
	assert.Equal(t, recs[4].ID, typedLimit[0].ID)
}

func newEntry(id string, score float64) *run.Entry {
	return &run.Entry{
		RunID:    id,
		Score:    score,
		Metadata: run.New("checkout", 2, time.UnixMilli(int64(score)).UTC()),
	}
}

func testIndexAddGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.RunIndexKey("checkout")

	require.NoError(t, s.IndexAdd(ctx, key, newEntry("run_1", 1000)))
	err := s.IndexAdd(ctx, key, newEntry("run_1", 2000))
	assert.ErrorIs(t, err, cascade.ErrRunAlreadyExists)

	got, err := s.IndexGet(ctx, key, "run_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, float64(1000), got.Score)
	assert.Equal(t, run.StatusRunning, got.Metadata.Status)
	assert.Equal(t, 2, got.Metadata.StepCount)
	assert.Equal(t, int64(0), got.Metadata.Version)

	// A restored entry keeps its counter; the version always starts at 0.
	restored := newEntry("run_2", 3000)
	restored.Metadata.CompletedSteps = 3
	restored.Metadata.Version = 7
	require.NoError(t, s.IndexAdd(ctx, key, restored))
	got, err = s.IndexGet(ctx, key, "run_2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Metadata.CompletedSteps)
	assert.Equal(t, int64(0), got.Metadata.Version)

	_, err = s.IndexGet(ctx, key, "missing")
	assert.ErrorIs(t, err, cascade.ErrRunNotFound)
	_, err = s.IndexGet(ctx, store.RunIndexKey("other"), "run_1")
	assert.ErrorIs(t, err, cascade.ErrRunNotFound)
}

func testIndexUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.RunIndexKey("checkout")
	require.NoError(t, s.IndexAdd(ctx, key, newEntry("run_1", 1000)))

	cur, err := s.IndexGet(ctx, key, "run_1")
	require.NoError(t, err)

	meta := cur.Metadata.Clone()
	meta.AddEmitted("A.done")
	meta.SetAwait(run.AwaitKey{Step: "B", Position: flow.Before}, &run.AwaitState{
		Type:     flow.AwaitWebhook,
		Position: flow.Before,
		Status:   run.AwaitAwaiting,
	})
	meta.CompletedSteps = 99 // ignored

	_, err = s.IndexIncrement(ctx, key, "run_1", store.FieldCompletedSteps, 2)
	require.NoError(t, err)

	updated, err := s.IndexUpdate(ctx, key, "run_1", meta)
	require.NoError(t, err)
	assert.Equal(t, "run_1", updated.RunID)
	assert.Equal(t, float64(1000), updated.Score)
	assert.Equal(t, int64(1), updated.Metadata.Version)
	assert.Equal(t, int64(2), updated.Metadata.CompletedSteps, "counter comes from the store, not meta")
	assert.Equal(t, []string{"A.done"}, updated.Metadata.EmittedEvents)

	// A returned entry is a snapshot of its own write.
	next := updated.Metadata.Clone()
	next.AddEmitted("B.done")
	later, err := s.IndexUpdate(ctx, key, "run_1", next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), later.Metadata.Version)
	assert.Equal(t, []string{"A.done"}, updated.Metadata.EmittedEvents)
	assert.Equal(t, int64(1), updated.Metadata.Version)

	_, err = s.IndexUpdate(ctx, key, "run_1", meta)
	assert.ErrorIs(t, err, cascade.ErrVersionConflict, "stale version must conflict")

	got, err := s.IndexGet(ctx, key, "run_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A.done", "B.done"}, got.Metadata.EmittedEvents)
	st, ok := got.Metadata.Await(run.AwaitKey{Step: "B", Position: flow.Before})
	require.True(t, ok)
	assert.Equal(t, run.AwaitAwaiting, st.Status)

	_, err = s.IndexUpdate(ctx, key, "missing", meta)
	assert.ErrorIs(t, err, cascade.ErrRunNotFound)
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.RunIndexKey("checkout")
	require.NoError(t, s.IndexAdd(ctx, key, newEntry("run_1", 1000)))

	const n = 25
	var wg sync.WaitGroup
	results := make(chan int64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.IndexIncrement(ctx, key, "run_1", store.FieldCompletedSteps, 1)
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for v := range results {
		assert.False(t, seen[v], "two increments returned %d", v)
		seen[v] = true
	}

	got, err := s.IndexGet(ctx, key, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.Metadata.CompletedSteps)
	assert.Equal(t, int64(0), got.Metadata.Version, "increment must not bump version")

	_, err = s.IndexIncrement(ctx, key, "run_1", "bogus", 1)
	assert.Error(t, err)
	_, err = s.IndexIncrement(ctx, key, "missing", store.FieldCompletedSteps, 1)
	assert.ErrorIs(t, err, cascade.ErrRunNotFound)
}

func testUpdateWithRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.RunIndexKey("checkout")
	require.NoError(t, s.IndexAdd(ctx, key, newEntry("run_1", 1000)))

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateWithRetry(ctx, s, key, "run_1", func(m *run.Metadata) error {
				m.AddEmitted(fmt.Sprintf("e%d", i))
				return nil
			}, store.WithAttempts(100))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.IndexGet(ctx, key, "run_1")
	require.NoError(t, err)
	assert.Len(t, got.Metadata.EmittedEvents, n, "no lost updates")
	assert.Equal(t, int64(n), got.Metadata.Version)

	skipped, err := store.UpdateWithRetry(ctx, s, key, "run_1", func(*run.Metadata) error {
		return store.ErrSkip
	})
	require.NoError(t, err)
	assert.Equal(t, int64(n), skipped.Metadata.Version)

	boom := errors.New("boom")
	_, err = store.UpdateWithRetry(ctx, s, key, "run_1", func(*run.Metadata) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func testIndexRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := store.RunIndexKey("checkout")
	for i, id := range []string{"run_a", "run_b", "run_c", "run_d"} {
		require.NoError(t, s.IndexAdd(ctx, key, newEntry(id, float64(1000*(i+1)))))
	}

	all, err := s.IndexRead(ctx, key, 0, 0)
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.RunID
	}
	assert.Equal(t, []string{"run_d", "run_c", "run_b", "run_a"}, ids)

	page, err := s.IndexRead(ctx, key, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "run_c", page[0].RunID)
	assert.Equal(t, "run_b", page[1].RunID)

	empty, err := s.IndexRead(ctx, key, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testKV(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "await:run_1:B:before")
	assert.ErrorIs(t, err, cascade.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "await:run_1:B:before", []byte("1"), 0))
	v, err := s.Get(ctx, "await:run_1:B:before")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Set(ctx, "await:run_1:B:before", []byte("2"), time.Hour))
	v, err = s.Get(ctx, "await:run_1:B:before")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, s.Delete(ctx, "await:run_1:B:before"))
	_, err = s.Get(ctx, "await:run_1:B:before")
	assert.ErrorIs(t, err, cascade.ErrKeyNotFound)
	require.NoError(t, s.Delete(ctx, "never-set"))
}
