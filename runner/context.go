package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/run"
)

// Context is the execution context passed to step handlers. It carries
// the step input and the trigger payload of a resolved before-await, and
// publishes emit and log events for the run.
type Context struct {
	ctx     context.Context
	runner  *Runner
	holdAll bool

	mu   sync.Mutex
	held []run.Emit

	RunID    string
	FlowName string
	Step     string
	JobID    string
	// Attempt is 1 on the first execution.
	Attempt int

	// Input is the flow input for the entry step, or the data of the
	// subscribed events keyed by event name.
	Input json.RawMessage
	// Trigger is the resolution payload of a before-await, if any.
	Trigger json.RawMessage
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// Bind unmarshals the step input into v.
func (c *Context) Bind(v any) error { return decode(c.Input, v) }

// BindTrigger unmarshals the await trigger payload into v.
func (c *Context) BindTrigger(v any) error { return decode(c.Trigger, v) }

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Emit publishes the named event with data. Emits of a step with an
// after-await are held until the await resolves.
func (c *Context) Emit(name string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal emit %q: %w", name, err)
		}
		raw = b
	}

	if c.holdAll {
		c.mu.Lock()
		c.held = append(c.held, run.Emit{Name: name, Data: raw})
		c.mu.Unlock()
		return nil
	}
	rec, err := c.record(event.Emit, event.EmitData{Name: name, Data: raw})
	if err != nil {
		return err
	}
	return c.runner.publish(c.ctx, rec)
}

// Log writes msg to the runner's logger and publishes it as a log event
// of the run.
func (c *Context) Log(level slog.Level, msg string, fields map[string]any) {
	attrs := []slog.Attr{
		slog.String("run_id", c.RunID),
		slog.String("step", c.Step),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	c.runner.logger.LogAttrs(c.ctx, level, msg, attrs...)

	rec, err := c.record(event.Log, event.LogData{
		Level:   level.String(),
		Message: msg,
		Fields:  fields,
	})
	if err == nil {
		err = c.runner.publish(c.ctx, rec)
	}
	if err != nil {
		c.runner.logger.Warn("log event not published",
			slog.String("run_id", c.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Context) heldEmits() []run.Emit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]run.Emit(nil), c.held...)
}

func (c *Context) record(t event.Type, data any) (*event.Record, error) {
	rec, err := event.New(t, c.RunID, c.FlowName, data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	rec.StepName = c.Step
	rec.StepID = c.JobID
	rec.Attempt = c.Attempt
	return rec, nil
}
