// Package dispatcher turns "run this step of this run" into queue jobs
// with deterministic ids. The id is the only idempotency mechanism: a
// second dispatch of the same (run, step) pair is rejected by the queue
// backend and reported here as "already dispatched", not as an error.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/queue"
)

// Kind says what a cascade job asks the runner to do.
type Kind string

const (
	// KindStep executes the step handler.
	KindStep Kind = "step"
	// KindAwaitRegister registers the before-await of a step instead of
	// running it.
	KindAwaitRegister Kind = "await-register"
	// KindAwaitTimeout applies the timeout action of an await.
	KindAwaitTimeout Kind = "await-timeout"
	// KindAwaitFire resolves a time or schedule await whose fire time
	// has passed.
	KindAwaitFire Kind = "await-fire"
)

// Payload is the data of every job the dispatcher enqueues.
type Payload struct {
	Kind     Kind   `json:"kind"`
	FlowID   string `json:"flowId"`
	FlowName string `json:"flowName"`
	RunID    string `json:"runId"`
	Step     string `json:"step"`

	// Input is the flow input for the entry step. A dependent step gets
	// the data of the events it subscribes to, as an object keyed by
	// event name.
	Input json.RawMessage `json:"input,omitempty"`

	// Trigger is the resolution payload of a before-await.
	Trigger json.RawMessage `json:"trigger,omitempty"`

	// Resumed is set on a step job enqueued by an await resolution.
	Resumed bool `json:"resumed,omitempty"`

	Position   flow.Position `json:"position,omitempty"`
	Generation int           `json:"generation,omitempty"`
}

// Decode reads the cascade payload of j.
func Decode(j *queue.Job) (*Payload, error) {
	var p Payload
	if err := j.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", j.ID, err)
	}
	if p.Kind == "" {
		p.Kind = KindStep
	}
	return &p, nil
}

// StepJobID is the job id of a step execution.
func StepJobID(runID, step string) string { return runID + "__" + step }

// AwaitRegisterJobID is the job id of an await registration.
func AwaitRegisterJobID(runID, step string, pos flow.Position) string {
	return StepJobID(runID, step) + "__await-register-" + string(pos)
}

// AwaitTimeoutJobID is the job id of a durable await timeout. The
// generation keeps a restarted await window from colliding with the
// previous one.
func AwaitTimeoutJobID(runID, step string, pos flow.Position, generation int) string {
	return StepJobID(runID, step) + "__await-timeout-" + string(pos) + "-" + strconv.Itoa(generation)
}

// AwaitFireJobID is the job id of a durable time/schedule await fire.
func AwaitFireJobID(runID, step string, pos flow.Position, generation int) string {
	return StepJobID(runID, step) + "__await-fire-" + string(pos) + "-" + strconv.Itoa(generation)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDefaultQueue sets the queue of steps that declare none.
func WithDefaultQueue(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.defaultQueue = name
		}
	}
}

// WithStepRetries sets the retry count of steps that declare none.
func WithStepRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.stepRetries = n
		}
	}
}

// Dispatcher enqueues step and await jobs onto a queue.Queue.
type Dispatcher struct {
	queue        queue.Queue
	logger       *slog.Logger
	defaultQueue string
	stepRetries  int
}

// New creates a dispatcher over q.
func New(q queue.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:        q,
		logger:       slog.Default(),
		defaultQueue: cascade.DefaultConfig().DefaultQueue,
		stepRetries:  cascade.DefaultConfig().StepRetries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Queue returns the underlying queue.
func (d *Dispatcher) Queue() queue.Queue { return d.queue }

// QueueOf returns the queue a step of def runs on.
func (d *Dispatcher) QueueOf(def *flow.Definition, step string) string {
	decl, _ := def.Step(step)
	return decl.QueueOr(d.defaultQueue)
}

// Request asks for one step of one run to be executed.
type Request struct {
	Flow  *flow.Definition
	RunID string
	Step  string
	Input json.RawMessage

	// Resumed marks the before-await of the step as satisfied, with
	// Trigger as its resolution payload.
	Resumed bool
	Trigger json.RawMessage
}

// Dispatch enqueues the job for r. A step with a before-await that is not
// yet resumed gets its await registration job instead. It reports false
// when the job already existed.
func (d *Dispatcher) Dispatch(ctx context.Context, r Request) (bool, error) {
	decl, ok := r.Flow.Step(r.Step)
	if !ok {
		return false, fmt.Errorf("%w: %s.%s", cascade.ErrStepNotFound, r.Flow.Name, r.Step)
	}
	if decl.AwaitBefore != nil && !r.Resumed {
		return d.DispatchAwaitRegistration(ctx, r.Flow, r.RunID, r.Step, flow.Before, r.Input)
	}

	retries := d.stepRetries
	if decl.MaxRetries != nil {
		retries = *decl.MaxRetries
	}
	j, err := d.job(StepJobID(r.RunID, r.Step), r.Flow, r.Step, Payload{
		Kind:    KindStep,
		RunID:   r.RunID,
		Step:    r.Step,
		Input:   r.Input,
		Trigger: r.Trigger,
		Resumed: r.Resumed,
	})
	if err != nil {
		return false, err
	}
	j.MaxRetries = retries
	return d.enqueue(ctx, j)
}

// DispatchAwaitRegistration enqueues the job that registers the await of
// step at pos.
func (d *Dispatcher) DispatchAwaitRegistration(ctx context.Context, def *flow.Definition, runID, step string, pos flow.Position, input json.RawMessage) (bool, error) {
	j, err := d.job(AwaitRegisterJobID(runID, step, pos), def, step, Payload{
		Kind:     KindAwaitRegister,
		RunID:    runID,
		Step:     step,
		Input:    input,
		Position: pos,
	})
	if err != nil {
		return false, err
	}
	j.MaxRetries = d.stepRetries
	return d.enqueue(ctx, j)
}

// ScheduleAwaitTimeout enqueues a durable timeout for generation of the
// await at (step, pos), due after delay.
func (d *Dispatcher) ScheduleAwaitTimeout(ctx context.Context, def *flow.Definition, runID, step string, pos flow.Position, generation int, delay time.Duration) (bool, error) {
	return d.scheduleTimer(ctx, AwaitTimeoutJobID(runID, step, pos, generation), KindAwaitTimeout, def, runID, step, pos, generation, delay)
}

// ScheduleAwaitFire enqueues a durable fire job for a time or schedule
// await, due after delay.
func (d *Dispatcher) ScheduleAwaitFire(ctx context.Context, def *flow.Definition, runID, step string, pos flow.Position, generation int, delay time.Duration) (bool, error) {
	return d.scheduleTimer(ctx, AwaitFireJobID(runID, step, pos, generation), KindAwaitFire, def, runID, step, pos, generation, delay)
}

func (d *Dispatcher) scheduleTimer(ctx context.Context, jobID string, kind Kind, def *flow.Definition, runID, step string, pos flow.Position, generation int, delay time.Duration) (bool, error) {
	j, err := d.job(jobID, def, step, Payload{
		Kind:       kind,
		RunID:      runID,
		Step:       step,
		Position:   pos,
		Generation: generation,
	})
	if err != nil {
		return false, err
	}
	j.MaxRetries = d.stepRetries

	if delay <= 0 {
		return d.enqueue(ctx, j)
	}
	err = d.queue.Schedule(ctx, j, queue.ScheduleOptions{Delay: delay})
	return d.result(j, err)
}

func (d *Dispatcher) job(jobID string, def *flow.Definition, step string, p Payload) (*queue.Job, error) {
	p.FlowID = def.ID
	p.FlowName = def.Name
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", jobID, err)
	}
	return &queue.Job{
		ID:    jobID,
		Name:  step,
		Queue: d.QueueOf(def, step),
		Data:  data,
	}, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, j *queue.Job) (bool, error) {
	return d.result(j, d.queue.Enqueue(ctx, j))
}

func (d *Dispatcher) result(j *queue.Job, err error) (bool, error) {
	switch {
	case err == nil:
		d.logger.Debug("job dispatched",
			slog.String("job_id", j.ID),
			slog.String("queue", j.Queue),
		)
		return true, nil
	case errors.Is(err, cascade.ErrJobAlreadyExists):
		d.logger.Debug("job already dispatched", slog.String("job_id", j.ID))
		return false, nil
	default:
		return false, fmt.Errorf("dispatch %s: %w", j.ID, err)
	}
}
