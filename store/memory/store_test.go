package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/store"
	"github.com/xraph/cascade/store/memory"
	"github.com/xraph/cascade/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestStore_KVExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, cascade.ErrKeyNotFound) {
		t.Errorf("Get after expiry: got %v, want ErrKeyNotFound", err)
	}
}

func TestStore_AppendSameMillisecondStaysOrdered(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var ids []string
	for range 3 {
		rec, err := s.Append(ctx, "run:r", &event.Record{Type: event.Log, RunID: "r"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	want := []string{"1767225600000-0", "1767225600000-1", "1767225600000-2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("id[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
