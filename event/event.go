package event

import (
	"encoding/json"
	"time"
)

// Type names a lifecycle event.
type Type string

// Lifecycle event types.
const (
	FlowStart       Type = "flow.start"
	FlowCompleted   Type = "flow.completed"
	FlowFailed      Type = "flow.failed"
	StepStarted     Type = "step.started"
	StepCompleted   Type = "step.completed"
	StepFailed      Type = "step.failed"
	StepRetry       Type = "step.retry"
	Emit            Type = "emit"
	Log             Type = "log"
	AwaitRegistered Type = "await.registered"
	AwaitResolved   Type = "await.resolved"
	AwaitTimedOut   Type = "await.timedOut"
)

// Types lists every lifecycle event type.
func Types() []Type {
	return []Type{
		FlowStart, FlowCompleted, FlowFailed,
		StepStarted, StepCompleted, StepFailed, StepRetry,
		Emit, Log,
		AwaitRegistered, AwaitResolved, AwaitTimedOut,
	}
}

// IsTerminal reports whether t ends a run.
func (t Type) IsTerminal() bool { return t == FlowCompleted || t == FlowFailed }

// Record is one entry of a run's event log. A Record without ID and
// Timestamp is an ingress event that has not been persisted yet.
type Record struct {
	ID        string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Timestamp time.Time       `json:"ts,omitzero" msgpack:"ts"`
	Type      Type            `json:"type" msgpack:"type"`
	RunID     string          `json:"runId" msgpack:"runId"`
	FlowName  string          `json:"flowName" msgpack:"flowName"`
	StepName  string          `json:"stepName,omitempty" msgpack:"stepName,omitempty"`
	StepID    string          `json:"stepId,omitempty" msgpack:"stepId,omitempty"`
	Attempt   int             `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
	Data      json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// IsIngress reports whether r has not been assigned a log position.
func (r *Record) IsIngress() bool { return r.ID == "" && r.Timestamp.IsZero() }

// New builds an ingress record. data is JSON-encoded; nil leaves Data empty.
func New(t Type, runID, flowName string, data any) (*Record, error) {
	r := &Record{Type: t, RunID: runID, FlowName: flowName}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		r.Data = raw
	}
	return r, nil
}

// Decode unmarshals r.Data into v. Empty data leaves v untouched.
func (r *Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ──────────────────────────────────────────────────
// Payloads
// ──────────────────────────────────────────────────

// EmitData is the payload of an emit event.
type EmitData struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FailedData is the payload of step.failed. Final is false when the
// queue will retry the step, in which case a step.retry follows.
type FailedData struct {
	Error string `json:"error"`
	Final bool   `json:"final"`
}

// LogData is the payload of a log event.
type LogData struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// AwaitData is the payload of await.* events.
type AwaitData struct {
	Type     string          `json:"awaitType"`
	Position string          `json:"position"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	URL      string          `json:"url,omitempty"`
	FireAt   *time.Time      `json:"fireAt,omitempty"`
	Action   string          `json:"action,omitempty"`
}

// FlowData is the payload of flow.start and terminal events.
type FlowData struct {
	Input       json.RawMessage `json:"input,omitempty"`
	StepCount   int             `json:"stepCount,omitempty"`
	FailedSteps []string        `json:"failedSteps,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}
