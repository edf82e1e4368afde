package flow

import (
	"slices"
	"strings"
)

// StepTokenPrefix marks a subscribes token that depends on a step having
// completed rather than on an emitted event.
const StepTokenPrefix = "step:"

// Definition is one flow graph.
type Definition struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	EntryStep string              `json:"entryStep"`
	Steps     map[string]StepDecl `json:"steps"`
}

// StepDecl declares one step of a flow.
type StepDecl struct {
	Subscribes  []string     `json:"subscribes,omitempty"`
	Emits       []string     `json:"emits,omitempty"`
	AwaitBefore *AwaitConfig `json:"awaitBefore,omitempty"`
	AwaitAfter  *AwaitConfig `json:"awaitAfter,omitempty"`
	Queue       string       `json:"queue,omitempty"`
	MaxRetries  *int         `json:"maxRetries,omitempty"`
}

// Step returns the declaration for name.
func (d *Definition) Step(name string) (StepDecl, bool) {
	s, ok := d.Steps[name]
	return s, ok
}

// StepNames returns the step names in sorted order.
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for name := range d.Steps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Queues returns the distinct queues used by the flow, resolving empty
// queue names to fallback.
func (d *Definition) Queues(fallback string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range d.StepNames() {
		q := d.Steps[name].QueueOr(fallback)
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

// QueueOr returns the step's queue or fallback when none is declared.
func (s StepDecl) QueueOr(fallback string) string {
	if s.Queue == "" {
		return fallback
	}
	return s.Queue
}

// Await returns the await configured for position, or nil.
func (s StepDecl) Await(pos Position) *AwaitConfig {
	switch pos {
	case Before:
		return s.AwaitBefore
	case After:
		return s.AwaitAfter
	}
	return nil
}

// StepToken returns the subscribes token for "step completed".
func StepToken(step string) string { return StepTokenPrefix + step }

// ParseStepToken reports whether token is a step token and returns the
// step name it references.
func ParseStepToken(token string) (string, bool) {
	return strings.CutPrefix(token, StepTokenPrefix)
}
