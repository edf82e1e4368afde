package client_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/api"
	"github.com/xraph/cascade/client"
	"github.com/xraph/cascade/engine"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/queue/memory"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/runner"
	storemem "github.com/xraph/cascade/store/memory"
	"github.com/xraph/cascade/stream"
	"github.com/xraph/cascade/worker"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	eng, err := engine.New(
		engine.WithLogger(logger),
		engine.WithStore(storemem.New()),
		engine.WithQueue(memory.New(
			worker.WithLogger(logger),
			worker.WithQueuePollInterval(10*time.Millisecond),
		)),
		engine.WithStream(stream.NewBroker(logger)),
		engine.WithWorkerOptions(queue.WorkerOptions{Concurrency: 2}),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	err = eng.RegisterFlow(&flow.Definition{
		Name:      "greet",
		EntryStep: "hello",
		Steps: map[string]flow.StepDecl{
			"hello": {Emits: []string{"hello.done"}},
			"bye":   {Subscribes: []string{"hello.done"}},
		},
	})
	if err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	eng.HandleStep("hello", func(c *runner.Context) error { return c.Emit("hello.done", map[string]string{"to": "ann"}) })
	eng.HandleStep("bye", func(c *runner.Context) error { return nil })
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a := api.New(eng, api.WithLogger(logger))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return srv
}

func TestClient_StartAndWatch(t *testing.T) {
	srv := newServer(t)
	c := client.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	flows, err := c.Flows(ctx)
	if err != nil || len(flows) != 1 || flows[0] != "greet" {
		t.Fatalf("Flows = %v, %v", flows, err)
	}

	runID, err := c.StartFlow(ctx, "greet", map[string]string{"name": "ann"}, "run_greet")
	if err != nil || runID != "run_greet" {
		t.Fatalf("StartFlow = %q, %v", runID, err)
	}

	ch, err := c.Watch(ctx, "greet", runID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	var last *event.Record
	n := 0
	for rec := range ch {
		last = rec
		n++
	}
	if last == nil || last.Type != event.FlowCompleted {
		t.Fatalf("last record = %+v after %d records, want flow.completed", last, n)
	}

	view, err := c.Run(ctx, "greet", runID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if view.Entry.Metadata.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", view.Entry.Metadata.Status)
	}
	if len(view.Events) != n {
		t.Errorf("log has %d records, watched %d", len(view.Events), n)
	}

	runs, err := c.Runs(ctx, "greet", 0, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs = %d, %v", len(runs), err)
	}
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	srv := newServer(t)
	c := client.New(srv.URL)
	ctx := context.Background()

	if _, err := c.StartFlow(ctx, "nope", nil, ""); !errors.Is(err, cascade.ErrFlowNotFound) {
		t.Errorf("unknown flow: got %v", err)
	}
	if _, err := c.Run(ctx, "greet", "run_missing"); !errors.Is(err, cascade.ErrRunNotFound) {
		t.Errorf("unknown run: got %v", err)
	}

	runID, err := c.StartFlow(ctx, "greet", nil, "")
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	err = c.ResolveWebhook(ctx, "/webhooks", "greet", runID, "hello", http.MethodPost, nil)
	if !errors.Is(err, cascade.ErrAwaitGone) {
		t.Errorf("webhook without await: got %v", err)
	}
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusGone {
		t.Errorf("webhook error = %#v, want a 410 *client.Error", err)
	}
}

func TestClient_WatchReconnectsAfterLastRecord(t *testing.T) {
	var calls atomic.Int32
	var resumedFrom atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			// Drop the connection after one record.
			fmt.Fprint(w, "id: 1-0\nevent: flow.start\ndata: {\"id\":\"1-0\",\"type\":\"flow.start\",\"runId\":\"r\",\"flowName\":\"f\"}\n\n")
			return
		}
		resumedFrom.Store(r.Header.Get("Last-Event-ID"))
		fmt.Fprint(w, "id: 2-0\nevent: flow.completed\ndata: {\"id\":\"2-0\",\"type\":\"flow.completed\",\"runId\":\"r\",\"flowName\":\"f\"}\n\n")
	}))
	defer srv.Close()

	c := client.New(srv.URL,
		client.WithLogger(slog.New(slog.DiscardHandler)),
		client.WithReconnect(3, time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Watch(ctx, "f", "r")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	var got []event.Type
	for rec := range ch {
		got = append(got, rec.Type)
	}

	if len(got) != 2 || got[0] != event.FlowStart || got[1] != event.FlowCompleted {
		t.Fatalf("records = %v", got)
	}
	if resumedFrom.Load() != "1-0" {
		t.Errorf("Last-Event-ID = %v, want 1-0", resumedFrom.Load())
	}
}
