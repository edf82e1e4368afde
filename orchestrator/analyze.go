package orchestrator

import (
	"encoding/json"
	"slices"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
)

type stepState uint8

const (
	statePending stepState = iota
	stateCompleted
	stateFailed
)

// Analysis is a run's event log folded against its flow definition.
type Analysis struct {
	// Completed holds steps whose latest outcome is step.completed.
	Completed map[string]struct{}

	// Failed holds steps whose latest outcome is a final step.failed. A
	// failure followed by step.retry, or one that announced a retry, is
	// still in flight and not listed.
	Failed map[string]struct{}

	// Blocking lists the failed steps whose emits (or completion) an
	// incomplete step depends on, sorted.
	Blocking []string

	// Emitted maps each emitted event name to the data of its latest emit.
	Emitted map[string]json.RawMessage

	// Status is the run status the fold implies.
	Status run.Status

	// Terminal is the terminal event already in the log, if any.
	Terminal *event.Record
}

// Analyze folds records, in log order, into an Analysis. It is pure:
// the same log always yields the same result.
func Analyze(def *flow.Definition, records []*event.Record) *Analysis {
	a := &Analysis{
		Completed: make(map[string]struct{}),
		Failed:    make(map[string]struct{}),
		Emitted:   make(map[string]json.RawMessage),
	}

	states := make(map[string]stepState)
	for _, rec := range records {
		switch rec.Type {
		case event.StepCompleted:
			states[rec.StepName] = stateCompleted
		case event.StepFailed:
			var fd event.FailedData
			if err := rec.Decode(&fd); err == nil && fd.Final {
				states[rec.StepName] = stateFailed
			} else {
				states[rec.StepName] = statePending
			}
		case event.StepRetry:
			states[rec.StepName] = statePending
		case event.Emit:
			var ed event.EmitData
			if err := rec.Decode(&ed); err == nil && ed.Name != "" {
				a.Emitted[ed.Name] = ed.Data
			}
		case event.FlowCompleted, event.FlowFailed:
			if a.Terminal == nil {
				a.Terminal = rec
			}
		}
	}

	for step, st := range states {
		if _, ok := def.Steps[step]; !ok {
			continue
		}
		switch st {
		case stateCompleted:
			a.Completed[step] = struct{}{}
		case stateFailed:
			a.Failed[step] = struct{}{}
		}
	}

	for step := range a.Failed {
		for _, consumer := range flow.Consumers(def, step) {
			if _, done := a.Completed[consumer]; !done {
				a.Blocking = append(a.Blocking, step)
				break
			}
		}
	}
	slices.Sort(a.Blocking)

	a.Status = run.StatusRunning
	switch {
	case len(a.Blocking) > 0:
		a.Status = run.StatusFailed
	case a.settled(def):
		a.Status = run.StatusCompleted
	}
	return a
}

// settled reports whether every step, entry included, completed or
// finally failed.
func (a *Analysis) settled(def *flow.Definition) bool {
	for name := range def.Steps {
		_, done := a.Completed[name]
		_, failed := a.Failed[name]
		if !done && !failed {
			return false
		}
	}
	return true
}

// FailedSteps returns the finally failed steps, sorted.
func (a *Analysis) FailedSteps() []string {
	out := make([]string, 0, len(a.Failed))
	for s := range a.Failed {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Input builds the input of a dependent step: the latest data of each
// event it subscribes to, keyed by event name. Events emitted without
// data map to null.
func (a *Analysis) Input(decl flow.StepDecl) json.RawMessage {
	in := make(map[string]json.RawMessage)
	for _, token := range decl.Subscribes {
		if _, isStep := flow.ParseStepToken(token); isStep {
			continue
		}
		data, ok := a.Emitted[token]
		if !ok {
			continue
		}
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		in[token] = data
	}
	if len(in) == 0 {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return raw
}
