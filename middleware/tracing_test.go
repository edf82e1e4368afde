package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/cascade/middleware"
	"github.com/xraph/cascade/queue"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func newTestJob() *queue.Job {
	return &queue.Job{
		ID:         "run_01__send-email",
		Name:       "send-email",
		Queue:      "default",
		Attempt:    1,
		MaxRetries: 3,
	}
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := newTestJob()

	if err := mw.TracingWithTracer(tracer)(context.Background(), j, func(_ context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "cascade.job send-email" {
		t.Errorf("span name = %q", spans[0].Name())
	}

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	expected := map[string]any{
		"cascade.job.id":  j.ID,
		"cascade.run.id":  "run_01",
		"cascade.step":    "send-email",
		"cascade.queue":   "default",
		"cascade.attempt": int64(2),
	}
	for k, want := range expected {
		if got := attrs[k]; got != want {
			t.Errorf("attribute %s = %v, want %v", k, got, want)
		}
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[0].Status().Code)
	}
}

func TestTracing_RecordsError(t *testing.T) {
	sr, tracer := setupTestTracer()
	want := errors.New("boom")

	err := mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	if span.Status().Description != "boom" {
		t.Errorf("description = %q", span.Status().Description)
	}
	if len(span.Events()) == 0 {
		t.Error("expected a recorded error event")
	}
	for _, kv := range span.Attributes() {
		if kv.Key == "cascade.final" && kv.Value.AsBool() {
			t.Error("attempt 2 of 4 marked final")
		}
	}
}

func TestTracing_PropagatesSpanContext(t *testing.T) {
	_, tracer := setupTestTracer()

	_ = mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(ctx context.Context) error {
		if !trace.SpanContextFromContext(ctx).IsValid() {
			t.Error("handler context carries no span")
		}
		return nil
	})
}
