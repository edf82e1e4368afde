package run_test

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
)

func TestMetadata_JSONKeepsTypedAwaitMap(t *testing.T) {
	m := run.New("checkout", 3, time.Now().UTC())
	key := run.AwaitKey{Step: "approve:manual", Position: flow.Before}
	m.SetAwait(key, &run.AwaitState{
		Type:     flow.AwaitWebhook,
		Position: flow.Before,
		Status:   run.AwaitAwaiting,
	})

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got run.Metadata
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	s, ok := got.Await(key)
	if !ok {
		t.Fatalf("await %v lost in %s", key, raw)
	}
	if s.Type != flow.AwaitWebhook || s.Status != run.AwaitAwaiting {
		t.Errorf("await = %+v", s)
	}
}

func TestAwaitKey_UnmarshalRejectsBadPosition(t *testing.T) {
	var k run.AwaitKey
	for _, bad := range []string{"", "step", ":before", "step:sideways"} {
		if err := k.UnmarshalText([]byte(bad)); err == nil {
			t.Errorf("UnmarshalText(%q) should fail", bad)
		}
	}
}

func TestMetadata_CloneIsDeep(t *testing.T) {
	m := run.New("f", 1, time.Now())
	m.AddEmitted("a")
	key := run.AwaitKey{Step: "s", Position: flow.After}
	m.SetAwait(key, &run.AwaitState{Status: run.AwaitAwaiting, BlockedEmits: []run.Emit{{Name: "x"}}})

	c := m.Clone()
	c.AddEmitted("b")
	c.Awaiting[key].Status = run.AwaitResolved
	c.Awaiting[key].BlockedEmits[0].Name = "y"

	if len(m.EmittedEvents) != 1 {
		t.Errorf("original emitted changed: %v", m.EmittedEvents)
	}
	if m.Awaiting[key].Status != run.AwaitAwaiting || m.Awaiting[key].BlockedEmits[0].Name != "x" {
		t.Errorf("original await changed: %+v", m.Awaiting[key])
	}
}

func TestMetadata_MarkCountedOnce(t *testing.T) {
	m := run.New("f", 2, time.Now())
	if !m.MarkCounted("A") || m.MarkCounted("A") {
		t.Error("MarkCounted should count a step once")
	}
	if !m.MarkCounted("B") {
		t.Error("MarkCounted(B) should be new")
	}

	c := m.Clone()
	c.MarkCounted("C")
	if !slices.Equal(m.CountedSteps, []string{"A", "B"}) {
		t.Errorf("original counted steps changed: %v", m.CountedSteps)
	}
}

func TestMetadata_AddEmittedOnlyGrows(t *testing.T) {
	m := run.New("f", 1, time.Now())
	if !m.AddEmitted("a") || m.AddEmitted("a") {
		t.Error("AddEmitted should add once")
	}
	if !slices.Equal(m.EmittedEvents, []string{"a"}) {
		t.Errorf("EmittedEvents = %v", m.EmittedEvents)
	}
}

func TestMetadata_PendingAwaits(t *testing.T) {
	m := run.New("f", 2, time.Now())
	m.SetAwait(run.AwaitKey{Step: "b", Position: flow.Before}, &run.AwaitState{Status: run.AwaitAwaiting})
	m.SetAwait(run.AwaitKey{Step: "a", Position: flow.After}, &run.AwaitState{Status: run.AwaitAwaiting})
	m.SetAwait(run.AwaitKey{Step: "c", Position: flow.Before}, &run.AwaitState{Status: run.AwaitResolved})

	got := m.PendingAwaits()
	want := []run.AwaitKey{{Step: "a", Position: flow.After}, {Step: "b", Position: flow.Before}}
	if !slices.Equal(got, want) {
		t.Errorf("PendingAwaits = %v, want %v", got, want)
	}
}
