package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/engine"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/queue/memory"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/runner"
	"github.com/xraph/cascade/store"
	storemem "github.com/xraph/cascade/store/memory"
	"github.com/xraph/cascade/stream"
	"github.com/xraph/cascade/worker"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	base := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStore(storemem.New()),
		engine.WithQueue(memory.New(
			worker.WithLogger(logger),
			worker.WithQueuePollInterval(10*time.Millisecond),
		)),
		engine.WithStream(stream.NewBroker(logger)),
		engine.WithWorkerOptions(queue.WorkerOptions{Concurrency: 4}),
	}
	eng, err := engine.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

// waitStatus polls the run until it leaves running or the deadline passes.
func waitStatus(t *testing.T, eng *engine.Engine, flowName, runID string, within time.Duration) *engine.RunView {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		v, err := eng.Run(context.Background(), flowName, runID)
		if err == nil && v.Entry.Metadata.Status.IsTerminal() {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still running after %v (last error: %v)", runID, within, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func countType(v *engine.RunView, types ...event.Type) int {
	n := 0
	for _, rec := range v.Events {
		for _, typ := range types {
			if rec.Type == typ {
				n++
			}
		}
	}
	return n
}

func twoSteps() *flow.Definition {
	return &flow.Definition{
		Name:      "orders",
		EntryStep: "A",
		Steps: map[string]flow.StepDecl{
			"A": {Emits: []string{"A.done"}},
			"B": {Subscribes: []string{"A.done"}, Emits: []string{"B.done"}},
		},
	}
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_RequiresBackends(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	s := engine.WithStore(storemem.New())
	q := engine.WithQueue(memory.New())
	st := engine.WithStream(stream.NewBroker(logger))

	tests := []struct {
		name string
		opts []engine.Option
		want error
	}{
		{"no store", []engine.Option{q, st}, cascade.ErrNoStore},
		{"no queue", []engine.Option{s, st}, cascade.ErrNoQueue},
		{"no stream", []engine.Option{s, q}, cascade.ErrNoStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.New(tt.opts...); !errors.Is(err, tt.want) {
				t.Fatalf("New: got %v, want %v", err, tt.want)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// End-to-end
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd(t *testing.T) {
	eng := newEngine(t)
	if err := eng.RegisterFlow(twoSteps()); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}

	type order struct {
		ID int `json:"id"`
	}
	var gotB atomic.Value
	eng.HandleStep("A", runner.Typed(func(c *runner.Context, in order) error {
		return c.Emit("A.done", in)
	}))
	eng.HandleStep("B", func(c *runner.Context) error {
		gotB.Store(string(c.Input))
		return c.Emit("B.done", nil)
	})
	start(t, eng)

	ctx := context.Background()
	runID, err := eng.StartFlow(ctx, "orders", order{ID: 7})
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	sub, err := eng.Subscribe(ctx, stream.RunTopic(runID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	v := waitStatus(t, eng, "orders", runID, 5*time.Second)
	if v.Entry.Metadata.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", v.Entry.Metadata.Status)
	}
	if v.Entry.Metadata.CompletedSteps != 2 {
		t.Errorf("completedSteps = %d, want 2", v.Entry.Metadata.CompletedSteps)
	}
	if n := countType(v, event.FlowCompleted, event.FlowFailed); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	var in map[string]order
	if err := json.Unmarshal([]byte(gotB.Load().(string)), &in); err != nil || in["A.done"].ID != 7 {
		t.Errorf("B input = %v (%v), want A.done.id = 7", gotB.Load(), err)
	}

	// The terminal record reaches live subscribers.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case rec := <-sub.C():
			if rec.Type == event.FlowCompleted {
				return
			}
		case <-timeout:
			t.Fatal("flow.completed not streamed")
		}
	}
}

func TestEngine_TimeoutFallbackFailsFlow(t *testing.T) {
	eng := newEngine(t)
	def := &flow.Definition{
		Name:      "approval",
		EntryStep: "submit",
		Steps: map[string]flow.StepDecl{
			"submit": {Emits: []string{"submitted"}},
			"approve": {
				Subscribes: []string{"submitted"},
				Emits:      []string{"approved"},
				AwaitBefore: &flow.AwaitConfig{
					Type:          flow.AwaitTime,
					Timeout:       100 * time.Millisecond,
					TimeoutAction: flow.TimeoutFail,
				},
			},
			"archive": {Subscribes: []string{"approved"}},
		},
	}
	if err := eng.RegisterFlow(def); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	eng.HandleStep("submit", func(c *runner.Context) error { return c.Emit("submitted", nil) })
	eng.HandleStep("approve", func(c *runner.Context) error {
		t.Error("approve must not run before its await resolves")
		return nil
	})
	start(t, eng)

	began := time.Now()
	runID, err := eng.StartFlow(context.Background(), "approval", nil)
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	v := waitStatus(t, eng, "approval", runID, 3*time.Second)
	if v.Entry.Metadata.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", v.Entry.Metadata.Status)
	}
	if elapsed := time.Since(began); elapsed < 100*time.Millisecond {
		t.Errorf("failed after %v, before the await timeout", elapsed)
	}
	if n := countType(v, event.AwaitTimedOut); n != 1 {
		t.Errorf("await.timedOut events = %d, want 1", n)
	}
}

func TestEngine_WebhookResume(t *testing.T) {
	eng := newEngine(t)
	def := &flow.Definition{
		Name:      "signup",
		EntryStep: "register",
		Steps: map[string]flow.StepDecl{
			"register": {Emits: []string{"registered"}},
			"confirm": {
				Subscribes:  []string{"registered"},
				AwaitBefore: &flow.AwaitConfig{Type: flow.AwaitWebhook},
			},
		},
	}
	if err := eng.RegisterFlow(def); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	var token atomic.Value
	eng.HandleStep("register", func(c *runner.Context) error { return c.Emit("registered", nil) })
	eng.HandleStep("confirm", func(c *runner.Context) error {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.BindTrigger(&body); err != nil {
			return err
		}
		token.Store(body.Token)
		return nil
	})
	start(t, eng)

	ctx := context.Background()
	runID, err := eng.StartFlow(ctx, "signup", nil, engine.WithRunID("run_signup"))
	if err != nil || runID != "run_signup" {
		t.Fatalf("StartFlow: %q, %v", runID, err)
	}

	// Wait for the await to be registered by the worker.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err = eng.ResolveWebhook(ctx, "signup", runID, "confirm", http.MethodPost, json.RawMessage(`{"token":"abc"}`))
		if err == nil {
			break
		}
		if !errors.Is(err, cascade.ErrAwaitGone) || time.Now().After(deadline) {
			t.Fatalf("ResolveWebhook: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	v := waitStatus(t, eng, "signup", runID, 3*time.Second)
	if v.Entry.Metadata.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", v.Entry.Metadata.Status)
	}
	if token.Load() != "abc" {
		t.Errorf("trigger token = %v, want abc", token.Load())
	}

	err = eng.ResolveWebhook(ctx, "signup", runID, "confirm", http.MethodPost, nil)
	if !errors.Is(err, cascade.ErrRunStopped) && !errors.Is(err, cascade.ErrAwaitGone) {
		t.Errorf("second resolve: got %v, want a stale error", err)
	}
}

func TestEngine_TriggerAcrossFlows(t *testing.T) {
	eng := newEngine(t)
	for _, name := range []string{"east", "west"} {
		def := &flow.Definition{
			Name:      name,
			EntryStep: name + "-wait",
			Steps: map[string]flow.StepDecl{
				name + "-wait": {
					Emits:      []string{name + ".ready"},
					AwaitAfter: &flow.AwaitConfig{Type: flow.AwaitEvent, Event: "market.open"},
				},
				name + "-trade": {Subscribes: []string{name + ".ready"}},
			},
		}
		if err := eng.RegisterFlow(def); err != nil {
			t.Fatalf("RegisterFlow(%s): %v", name, err)
		}
		ready := name + ".ready"
		eng.HandleStep(name+"-wait", func(c *runner.Context) error { return c.Emit(ready, nil) })
		eng.HandleStep(name+"-trade", func(c *runner.Context) error { return nil })
	}
	start(t, eng)

	ctx := context.Background()
	east, _ := eng.StartFlow(ctx, "east", nil)
	west, _ := eng.StartFlow(ctx, "west", nil)

	deadline := time.Now().Add(3 * time.Second)
	total := 0
	for total < 2 {
		n, err := eng.Trigger(ctx, "market.open", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		total += n
		if time.Now().After(deadline) {
			t.Fatalf("resolved %d awaits, want 2", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for flowName, runID := range map[string]string{"east": east, "west": west} {
		v := waitStatus(t, eng, flowName, runID, 3*time.Second)
		if n := countType(v, event.AwaitResolved); n != 1 {
			t.Errorf("%s: await.resolved = %d, want 1", flowName, n)
		}
	}

	if n, err := eng.Trigger(ctx, "nobody.listens", nil); n != 0 || err != nil {
		t.Errorf("Trigger(unknown) = %d, %v", n, err)
	}
}

func TestEngine_StartFlowIdempotentRunID(t *testing.T) {
	eng := newEngine(t)
	if err := eng.RegisterFlow(twoSteps()); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	ctx := context.Background()

	if _, err := eng.StartFlow(ctx, "missing", nil); !errors.Is(err, cascade.ErrFlowNotFound) {
		t.Fatalf("StartFlow(missing): got %v, want ErrFlowNotFound", err)
	}
	for range 3 {
		if _, err := eng.StartFlow(ctx, "orders", nil, engine.WithRunID("run_fixed")); err != nil {
			t.Fatalf("StartFlow: %v", err)
		}
	}
	runs, err := eng.Runs(ctx, "orders", 0, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run_fixed" {
		t.Fatalf("runs = %+v, want one run_fixed", runs)
	}
	if _, err := eng.Queue().GetJob(ctx, "run_fixed__A"); err != nil {
		t.Errorf("entry step job: %v", err)
	}

	// The index is a cache: rebuilding it from the log keeps the run.
	e, err := eng.Rebuild(ctx, "orders", "run_fixed")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if e.Metadata.Status != run.StatusRunning {
		t.Errorf("rebuilt status = %s, want running", e.Metadata.Status)
	}
	if _, err := eng.Store().IndexGet(ctx, store.RunIndexKey("orders"), "run_fixed"); err != nil {
		t.Errorf("IndexGet: %v", err)
	}
}
