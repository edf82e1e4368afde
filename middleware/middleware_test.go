package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/cascade/middleware"
	"github.com/xraph/cascade/queue"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *queue.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}
	mw2 := func(ctx context.Context, _ *queue.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), &queue.Job{ID: "j1", Name: "test"}, func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), &queue.Job{ID: "j1"}, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	pass := func(ctx context.Context, _ *queue.Job, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(pass)(context.Background(), &queue.Job{ID: "j1"}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	j := &queue.Job{Name: "panicky", ID: "run_1__panicky"}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in job run_1__panicky: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRunID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"run_1__ship", "run_1"},
		{"run_1__ship__await-register-before", "run_1"},
		{"cron-nightly", ""},
	}
	for _, tt := range tests {
		if got := middleware.RunID(&queue.Job{ID: tt.id}); got != tt.want {
			t.Errorf("RunID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		attempt int
		err     error
		want    string
	}{
		{"success", 0, nil, middleware.OutcomeOK},
		{"retried", 1, boom, middleware.OutcomeRetry},
		{"exhausted", 3, boom, middleware.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &queue.Job{Attempt: tt.attempt, MaxRetries: 3}
			if got := middleware.Outcome(j, tt.err); got != tt.want {
				t.Errorf("Outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogging_PassesResultThrough(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	j := &queue.Job{Name: "log-test", ID: "j1", Queue: "default"}
	want := errors.New("fail")

	if err := mw(context.Background(), j, func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mw(context.Background(), j, func(_ context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_UsesJobTimeout(t *testing.T) {
	mw := middleware.Timeout(time.Hour)
	j := &queue.Job{ID: "j1", Timeout: 10 * time.Millisecond}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTimeout_Fallback(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)

	err := mw(context.Background(), &queue.Job{ID: "j1"}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected fallback deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_Disabled(t *testing.T) {
	mw := middleware.Timeout(0)

	_ = mw(context.Background(), &queue.Job{ID: "j1"}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline")
		}
		return nil
	})
}
