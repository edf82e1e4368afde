// Package run defines the run index entry: the derived, versioned cache of
// a flow execution's state kept next to its append-only event log.
package run

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/xraph/cascade/flow"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusRunning means the run is executing or paused on an await.
	StatusRunning Status = "running"
	// StatusCompleted means every step completed or failed without
	// blocking a dependent.
	StatusCompleted Status = "completed"
	// StatusFailed means a final step failure blocked a dependent.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether s ends the run.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// Entry is one run in a flow's run index, scored by start time.
type Entry struct {
	RunID    string   `json:"runId"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Metadata is the mutable part of an Entry. CompletedSteps only changes
// through the store's atomic increment; everything else through
// versioned updates.
type Metadata struct {
	FlowName       string                   `json:"flowName"`
	Status         Status                   `json:"status"`
	StartedAt      time.Time                `json:"startedAt"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
	StepCount      int                      `json:"stepCount"`
	CompletedSteps int64                    `json:"completedSteps"`
	EmittedEvents  []string                 `json:"emittedEvents"`
	Awaiting       map[AwaitKey]*AwaitState `json:"awaitingSteps"`
	Version        int64                    `json:"version"`

	// CountedSteps are the steps whose completion CompletedSteps already
	// includes. A redelivered step.completed finds its step here.
	CountedSteps []string `json:"countedSteps,omitempty"`

	// FinalizingAt is set while an instance publishes the terminal event
	// of a finished run. A stale claim may be taken over.
	FinalizingAt *time.Time `json:"finalizingAt,omitempty"`
}

// New returns the metadata of a run that just started.
func New(flowName string, stepCount int, now time.Time) Metadata {
	return Metadata{
		FlowName:      flowName,
		Status:        StatusRunning,
		StartedAt:     now,
		StepCount:     stepCount,
		EmittedEvents: []string{},
		Awaiting:      map[AwaitKey]*AwaitState{},
	}
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.EmittedEvents = slices.Clone(m.EmittedEvents)
	out.CountedSteps = slices.Clone(m.CountedSteps)
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	if m.FinalizingAt != nil {
		t := *m.FinalizingAt
		out.FinalizingAt = &t
	}
	out.Awaiting = make(map[AwaitKey]*AwaitState, len(m.Awaiting))
	for k, v := range m.Awaiting {
		out.Awaiting[k] = v.Clone()
	}
	return out
}

// AddEmitted appends name if absent and reports whether it was added.
func (m *Metadata) AddEmitted(name string) bool {
	if slices.Contains(m.EmittedEvents, name) {
		return false
	}
	m.EmittedEvents = append(m.EmittedEvents, name)
	return true
}

// MarkCounted records that step's completion was counted and reports
// whether it was new.
func (m *Metadata) MarkCounted(step string) bool {
	if slices.Contains(m.CountedSteps, step) {
		return false
	}
	m.CountedSteps = append(m.CountedSteps, step)
	return true
}

// Emitted returns EmittedEvents as a set.
func (m *Metadata) Emitted() map[string]struct{} {
	return flow.Set(m.EmittedEvents)
}

// Await returns the await registered at key.
func (m *Metadata) Await(key AwaitKey) (*AwaitState, bool) {
	s, ok := m.Awaiting[key]
	return s, ok
}

// SetAwait stores s at key, allocating the map if needed.
func (m *Metadata) SetAwait(key AwaitKey, s *AwaitState) {
	if m.Awaiting == nil {
		m.Awaiting = map[AwaitKey]*AwaitState{}
	}
	m.Awaiting[key] = s
}

// PendingAwaits returns the keys of awaits still awaiting, sorted.
func (m *Metadata) PendingAwaits() []AwaitKey {
	var keys []AwaitKey
	for k, s := range m.Awaiting {
		if s.Status == AwaitAwaiting {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b AwaitKey) int { return strings.Compare(a.String(), b.String()) })
	return keys
}

// ──────────────────────────────────────────────────
// Awaits
// ──────────────────────────────────────────────────

// AwaitKey addresses one await inside a run.
type AwaitKey struct {
	Step     string
	Position flow.Position
}

// String renders the key as "step:position".
func (k AwaitKey) String() string { return k.Step + ":" + string(k.Position) }

// MarshalText implements encoding.TextMarshaler so AwaitKey can key a
// JSON object.
func (k AwaitKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AwaitKey) UnmarshalText(b []byte) error {
	s := string(b)
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return fmt.Errorf("run: invalid await key %q", s)
	}
	pos := flow.Position(s[i+1:])
	if pos != flow.Before && pos != flow.After {
		return fmt.Errorf("run: invalid await position in %q", s)
	}
	k.Step, k.Position = s[:i], pos
	return nil
}

// AwaitStatus is the state of one await.
type AwaitStatus string

const (
	AwaitAwaiting AwaitStatus = "awaiting"
	AwaitResolved AwaitStatus = "resolved"
	AwaitTimedOut AwaitStatus = "timedOut"
)

// Emit is one emit held back by an after-position await.
type Emit struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AwaitState is the persisted state of one await.
type AwaitState struct {
	Type         flow.AwaitType   `json:"awaitType"`
	Position     flow.Position    `json:"position"`
	Status       AwaitStatus      `json:"status"`
	Config       flow.AwaitConfig `json:"config"`
	RegisteredAt time.Time        `json:"registeredAt"`
	ResolvedAt   *time.Time       `json:"resolvedAt,omitempty"`
	WebhookURL   string           `json:"webhookUrl,omitempty"`
	FireAt       *time.Time       `json:"fireAt,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	Generation   int              `json:"generation"`
	BlockedEmits []Emit           `json:"blockedEmits,omitempty"`

	// Input is the job input of a step paused before it ran, handed back
	// to the step job on resolution.
	Input json.RawMessage `json:"input,omitempty"`
}

// Clone returns a deep copy.
func (s *AwaitState) Clone() *AwaitState {
	if s == nil {
		return nil
	}
	out := *s
	out.Config.Match = maps.Clone(s.Config.Match)
	out.BlockedEmits = slices.Clone(s.BlockedEmits)
	out.Input = slices.Clone(s.Input)
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	if s.FireAt != nil {
		t := *s.FireAt
		out.FireAt = &t
	}
	if s.Deadline != nil {
		t := *s.Deadline
		out.Deadline = &t
	}
	return &out
}
