package await_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/await"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/orchestrator"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/queue/memory"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
	storemem "github.com/xraph/cascade/store/memory"
)

type fixture struct {
	store store.Store
	queue queue.Queue
	bus   *event.Bus
	mgr   *await.Manager
}

func newFixture(t *testing.T, def *flow.Definition, opts ...await.Option) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	flows := flow.NewRegistry()
	require.NoError(t, flows.Register(def))

	f := &fixture{
		store: storemem.New(),
		queue: memory.New(),
		bus:   event.NewBus(logger),
	}
	t.Cleanup(f.bus.Close)

	d := dispatcher.New(f.queue, dispatcher.WithLogger(logger))
	opts = append([]await.Option{await.WithLogger(logger), await.WithDurableTimers(false)}, opts...)
	f.mgr = await.NewManager(f.store, flows, d, f.bus, opts...)
	t.Cleanup(f.mgr.Close)

	orchestrator.NewPersister(f.store, nil, logger).Subscribe(f.bus)
	orchestrator.New(f.store, flows, d, f.bus,
		orchestrator.WithLogger(logger),
		orchestrator.WithAwaits(f.mgr),
	).Subscribe(f.bus)
	return f
}

func (f *fixture) publish(t *testing.T, typ event.Type, flowName, runID, step string, data any) {
	t.Helper()
	rec, err := event.New(typ, runID, flowName, data)
	require.NoError(t, err)
	rec.StepName = step
	require.NoError(t, f.bus.Publish(context.Background(), rec))
}

func (f *fixture) entry(t *testing.T, flowName, runID string) *run.Entry {
	t.Helper()
	e, err := f.store.IndexGet(context.Background(), store.RunIndexKey(flowName), runID)
	require.NoError(t, err)
	return e
}

func (f *fixture) hasJob(id string) bool {
	_, err := f.queue.GetJob(context.Background(), id)
	return err == nil
}

// countEvents is safe to call from assert.Eventually conditions.
func (f *fixture) countEvents(runID string, types ...event.Type) int {
	recs, err := f.store.Read(context.Background(), store.RunSubject(runID), store.ReadOptions{Types: types})
	if err != nil {
		return -1
	}
	return len(recs)
}

func approvalFlow() *flow.Definition {
	return &flow.Definition{
		Name:      "approval",
		EntryStep: "submit",
		Steps: map[string]flow.StepDecl{
			"submit": {Emits: []string{"submitted"}},
			"approve": {
				Subscribes:  []string{"submitted"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitWebhook},
				Emits:       []string{"approved"},
			},
			"review": {
				Subscribes:  []string{"submitted"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitWebhook, Method: http.MethodPut},
			},
			"ship": {
				Subscribes: []string{"approved"},
				AwaitAfter: &flow.AwaitConfig{
					Type:  flow.AwaitEvent,
					Event: "payment.settled",
					Match: map[string]any{"order.id": 7},
				},
				Emits: []string{"shipped"},
			},
			"notify": {Subscribes: []string{"shipped"}},
		},
	}
}

func TestRegister_Webhook(t *testing.T) {
	def := approvalFlow()
	f := newFixture(t, def, await.WithWebhookBase("https://flows.example.com", "/hooks"))
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	s, err := f.mgr.Register(ctx, def.Name, "run_1", "approve", flow.Before, json.RawMessage(`{"doc":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, run.AwaitAwaiting, s.Status)
	assert.Equal(t, "https://flows.example.com/hooks/approval/run_1/approve", s.WebhookURL)
	assert.Equal(t, 1, s.Generation)

	again, err := f.mgr.Register(ctx, def.Name, "run_1", "approve", flow.Before, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, s.RegisteredAt.UnixNano(), again.RegisteredAt.UnixNano())
	assert.Equal(t, 1, f.countEvents("run_1", event.AwaitRegistered))

	_, err = f.mgr.Register(ctx, def.Name, "run_1", "submit", flow.Before, nil, nil)
	assert.ErrorIs(t, err, cascade.ErrInvalidAwait)
}

func TestResolveWebhook(t *testing.T) {
	def := approvalFlow()
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	_, err := f.mgr.Register(ctx, def.Name, "run_1", "approve", flow.Before, json.RawMessage(`{"doc":1}`), nil)
	require.NoError(t, err)
	_, err = f.mgr.Register(ctx, def.Name, "run_1", "review", flow.Before, nil, nil)
	require.NoError(t, err)

	payload := json.RawMessage(`{"approved":true}`)

	err = f.mgr.ResolveWebhook(ctx, def.Name, "missing", "approve", http.MethodPost, payload)
	assert.ErrorIs(t, err, cascade.ErrRunNotFound)
	err = f.mgr.ResolveWebhook(ctx, "nope", "run_1", "approve", http.MethodPost, payload)
	assert.ErrorIs(t, err, cascade.ErrFlowNotFound)
	err = f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "ship", http.MethodPost, payload)
	assert.ErrorIs(t, err, cascade.ErrAwaitGone)
	err = f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "approve", http.MethodGet, payload)
	assert.ErrorIs(t, err, cascade.ErrMethodInvalid)
	err = f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "review", http.MethodPost, payload)
	assert.ErrorIs(t, err, cascade.ErrMethodInvalid)

	require.NoError(t, f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "approve", http.MethodPost, payload))

	// Only the resolved step is re-enqueued, with the trigger attached.
	j, err := f.queue.GetJob(ctx, "run_1__approve")
	require.NoError(t, err)
	p, err := dispatcher.Decode(j)
	require.NoError(t, err)
	assert.True(t, p.Resumed)
	assert.JSONEq(t, `{"approved":true}`, string(p.Trigger))
	assert.JSONEq(t, `{"doc":1}`, string(p.Input))
	assert.False(t, f.hasJob("run_1__review"))

	e := f.entry(t, def.Name, "run_1")
	approve, _ := e.Metadata.Await(run.AwaitKey{Step: "approve", Position: flow.Before})
	review, _ := e.Metadata.Await(run.AwaitKey{Step: "review", Position: flow.Before})
	assert.Equal(t, run.AwaitResolved, approve.Status)
	assert.Equal(t, run.AwaitAwaiting, review.Status)
	assert.Equal(t, 1, f.countEvents("run_1", event.AwaitResolved))

	err = f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "approve", http.MethodPost, payload)
	assert.ErrorIs(t, err, cascade.ErrAwaitGone)
	assert.True(t, await.IsStale(err))
}

func TestAfterAwait_EventReleasesBlockedEmits(t *testing.T) {
	def := approvalFlow()
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	_, err := f.mgr.Register(ctx, def.Name, "run_1", "ship", flow.After, nil, []run.Emit{{Name: "shipped"}})
	require.NoError(t, err)
	f.publish(t, event.StepCompleted, def.Name, "run_1", "ship", nil)
	assert.False(t, f.hasJob("run_1__notify"), "emits are held back")

	n, err := f.mgr.Trigger(ctx, def.Name, "", "payment.settled", json.RawMessage(`{"order":{"id":8}}`))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.mgr.Trigger(ctx, def.Name, "", "payment.settled", json.RawMessage(`{"order":{"id":7}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, f.hasJob("run_1__notify"))
	assert.Contains(t, f.entry(t, def.Name, "run_1").Metadata.EmittedEvents, "shipped")

	n, err = f.mgr.Trigger(ctx, def.Name, "", "payment.settled", json.RawMessage(`{"order":{"id":7}}`))
	require.NoError(t, err)
	assert.Zero(t, n, "already resolved")
}

func TestEmitTriggersEventAwaitOfSameRun(t *testing.T) {
	def := &flow.Definition{
		Name:      "gate",
		EntryStep: "open",
		Steps: map[string]flow.StepDecl{
			"open": {Emits: []string{"opened", "key"}},
			"pass": {
				Subscribes:  []string{"opened"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitEvent, Event: "key"},
			},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)
	_, err := f.mgr.Register(ctx, def.Name, "run_1", "pass", flow.Before, nil, nil)
	require.NoError(t, err)

	f.publish(t, event.Emit, def.Name, "run_1", "open", event.EmitData{Name: "key", Data: json.RawMessage(`{"k":1}`)})
	assert.True(t, f.hasJob("run_1__pass"))
}

func timeoutFlow(action flow.TimeoutAction, timeout time.Duration) *flow.Definition {
	return &flow.Definition{
		Name:      "timeouts",
		EntryStep: "A",
		Steps: map[string]flow.StepDecl{
			"A": {Emits: []string{"A.done"}},
			"B": {
				Subscribes: []string{"A.done"},
				AwaitBefore: &flow.AwaitConfig{
					Type:          flow.AwaitTime,
					Timeout:       timeout,
					TimeoutAction: action,
				},
				Emits: []string{"B.done"},
			},
			"C": {Subscribes: []string{"B.done"}},
		},
	}
}

func TestTimeout_FailBlocksFlow(t *testing.T) {
	def := timeoutFlow(flow.TimeoutFail, 100*time.Millisecond)
	f := newFixture(t, def)
	ctx := context.Background()

	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)
	f.publish(t, event.Emit, def.Name, "run_1", "A", event.EmitData{Name: "A.done"})
	f.publish(t, event.StepCompleted, def.Name, "run_1", "A", nil)
	require.True(t, f.hasJob("run_1__B__await-register-before"))

	_, err := f.mgr.Register(ctx, def.Name, "run_1", "B", flow.Before, nil, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.countEvents("run_1", event.FlowFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.countEvents("run_1", event.AwaitTimedOut))
	assert.Equal(t, run.StatusFailed, f.entry(t, def.Name, "run_1").Metadata.Status)
	assert.Eventually(t, func() bool {
		e, err := f.store.IndexGet(ctx, store.RunIndexKey(def.Name), "run_1")
		return err == nil && len(e.Metadata.Awaiting) == 0
	}, 2*time.Second, 10*time.Millisecond, "cleanup resets the await map")
}

func TestTimeout_ContinueResumesStep(t *testing.T) {
	def := timeoutFlow(flow.TimeoutContinue, 20*time.Millisecond)
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	_, err := f.mgr.Register(ctx, def.Name, "run_1", "B", flow.Before, nil, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.hasJob("run_1__B") }, 2*time.Second, 10*time.Millisecond)
	j, err := f.queue.GetJob(ctx, "run_1__B")
	require.NoError(t, err)
	p, err := dispatcher.Decode(j)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(p.Trigger))
}

func TestTimeout_RetryRestartsWindow(t *testing.T) {
	def := timeoutFlow(flow.TimeoutRetry, time.Hour)
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	first, err := f.mgr.Register(ctx, def.Name, "run_1", "B", flow.Before, nil, nil)
	require.NoError(t, err)
	key := run.AwaitKey{Step: "B", Position: flow.Before}

	require.NoError(t, f.mgr.Timeout(ctx, def.Name, "run_1", key, 1))

	s, _ := f.entry(t, def.Name, "run_1").Metadata.Await(key)
	assert.Equal(t, run.AwaitAwaiting, s.Status)
	assert.Equal(t, 2, s.Generation)
	assert.False(t, s.Deadline.Before(*first.Deadline))

	err = f.mgr.Timeout(ctx, def.Name, "run_1", key, 1)
	assert.ErrorIs(t, err, cascade.ErrAwaitGone, "stale generation")
}

func TestTimeAwaitFires(t *testing.T) {
	def := &flow.Definition{
		Name:      "delayed",
		EntryStep: "wait",
		Steps: map[string]flow.StepDecl{
			"wait": {AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitTime, Delay: 30 * time.Millisecond}},
		},
	}
	f := newFixture(t, def)
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)
	require.True(t, f.hasJob("run_1__wait__await-register-before"))

	s, err := f.mgr.Register(context.Background(), def.Name, "run_1", "wait", flow.Before, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, s.FireAt)

	assert.Eventually(t, func() bool { return f.hasJob("run_1__wait") }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleAwait_ComputesNextOccurrence(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	def := &flow.Definition{
		Name:      "nightly",
		EntryStep: "run",
		Steps: map[string]flow.StepDecl{
			"run": {AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitSchedule, Cron: "0 2 * * *"}},
		},
	}
	f := newFixture(t, def, await.WithClock(func() time.Time { return now }))
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	s, err := f.mgr.Register(context.Background(), def.Name, "run_1", "run", flow.Before, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, s.FireAt)
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), s.FireAt.UTC())
}

func TestDurableTimers_ScheduleQueueJobs(t *testing.T) {
	def := timeoutFlow(flow.TimeoutFail, time.Hour)
	f := newFixture(t, def, await.WithDurableTimers(true))
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	_, err := f.mgr.Register(ctx, def.Name, "run_1", "B", flow.Before, nil, nil)
	require.NoError(t, err)
	assert.True(t, f.hasJob("run_1__B__await-timeout-before-1"))

	// A timer job for a generation that was never armed is stale.
	err = f.mgr.Timeout(ctx, def.Name, "run_1", run.AwaitKey{Step: "B", Position: flow.Before}, 3)
	assert.ErrorIs(t, err, cascade.ErrAwaitGone)
}

func TestCleanup(t *testing.T) {
	def := approvalFlow()
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	for _, step := range []string{"approve", "review"} {
		_, err := f.mgr.Register(ctx, def.Name, "run_1", step, flow.Before, nil, nil)
		require.NoError(t, err)
	}
	f.mgr.Cleanup(ctx, def.Name, "run_1")
	assert.Empty(t, f.entry(t, def.Name, "run_1").Metadata.Awaiting)

	err := f.mgr.ResolveWebhook(ctx, def.Name, "run_1", "approve", http.MethodPost, nil)
	assert.ErrorIs(t, err, cascade.ErrAwaitGone)

	// Cleanup of an unknown run is logged, not raised.
	f.mgr.Cleanup(ctx, def.Name, "missing")
}

func TestRegister_StoppedRun(t *testing.T) {
	def := approvalFlow()
	f := newFixture(t, def)
	ctx := context.Background()
	f.publish(t, event.FlowStart, def.Name, "run_1", "", nil)

	_, err := store.UpdateWithRetry(ctx, f.store, store.RunIndexKey(def.Name), "run_1", func(m *run.Metadata) error {
		m.Status = run.StatusFailed
		return nil
	})
	require.NoError(t, err)

	_, err = f.mgr.Register(ctx, def.Name, "run_1", "approve", flow.Before, nil, nil)
	assert.ErrorIs(t, err, cascade.ErrRunStopped)
}
