// Package runner executes cascade jobs inside queue workers. A step job
// runs the registered step handler and reports its lifecycle on the bus;
// await jobs are handed to the await manager.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/await"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// StepFunc is the logic of one step.
type StepFunc func(c *Context) error

// Typed adapts a handler taking its decoded input. The input is the flow
// input for an entry step and the subscribed event data otherwise.
func Typed[T any](fn func(c *Context, in T) error) StepFunc {
	return func(c *Context) error {
		var in T
		if err := c.Bind(&in); err != nil {
			return fmt.Errorf("unmarshal input for step %q: %w", c.Step, err)
		}
		return fn(c, in)
	}
}

// Publisher publishes ingress records. *event.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, rec *event.Record) error
}

// Awaits is the part of the await manager the runner drives.
// *await.Manager satisfies it.
type Awaits interface {
	Register(ctx context.Context, flowName, runID, step string, pos flow.Position, input json.RawMessage, blocked []run.Emit) (*run.AwaitState, error)
	Fire(ctx context.Context, flowName, runID string, key run.AwaitKey, generation int) error
	Timeout(ctx context.Context, flowName, runID string, key run.AwaitKey, generation int) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner maps step names to handlers and processes cascade jobs.
type Runner struct {
	index    store.Index
	flows    *flow.Registry
	dispatch *dispatcher.Dispatcher
	awaits   Awaits
	bus      Publisher
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]StepFunc
}

// New creates a Runner.
func New(index store.Index, flows *flow.Registry, d *dispatcher.Dispatcher, awaits Awaits, bus Publisher, opts ...Option) *Runner {
	r := &Runner{
		index:    index,
		flows:    flows,
		dispatch: d,
		awaits:   awaits,
		bus:      bus,
		logger:   slog.Default(),
		handlers: make(map[string]StepFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers fn as the logic of step. A step shared by several
// flows has one handler.
func (r *Runner) Handle(step string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[step] = fn
}

// Steps returns the names of the steps with a handler.
func (r *Runner) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Runner) handler(step string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[step]
	return fn, ok
}

// Queues returns every queue a step of a registered flow runs on.
func (r *Runner) Queues() []string {
	seen := make(map[string]struct{})
	for _, def := range r.flows.All() {
		for _, step := range def.StepNames() {
			seen[r.dispatch.QueueOf(def, step)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	slices.Sort(out)
	return out
}

// Listen registers Process as the worker of every queue in Queues.
func (r *Runner) Listen(q queue.Queue, opts queue.WorkerOptions) error {
	for _, name := range r.Queues() {
		if err := q.RegisterWorker(name, r.Process, opts); err != nil {
			return fmt.Errorf("register worker for queue %q: %w", name, err)
		}
	}
	return nil
}

// Process is the queue.Handler of cascade jobs.
func (r *Runner) Process(ctx context.Context, j *queue.Job) error {
	p, err := dispatcher.Decode(j)
	if err != nil {
		return err
	}

	key := run.AwaitKey{Step: p.Step, Position: p.Position}
	switch p.Kind {
	case dispatcher.KindStep:
		return r.execute(ctx, j, p)
	case dispatcher.KindAwaitRegister:
		_, err = r.awaits.Register(ctx, p.FlowName, p.RunID, p.Step, p.Position, p.Input, nil)
	case dispatcher.KindAwaitFire:
		err = r.awaits.Fire(ctx, p.FlowName, p.RunID, key, p.Generation)
	case dispatcher.KindAwaitTimeout:
		err = r.awaits.Timeout(ctx, p.FlowName, p.RunID, key, p.Generation)
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, p.Kind)
	}
	if err != nil && await.IsStale(err) {
		r.logger.Debug("await job is stale",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

func (r *Runner) execute(ctx context.Context, j *queue.Job, p *dispatcher.Payload) error {
	def, err := r.flows.Lookup(p.FlowName)
	if err != nil {
		return err
	}
	decl, ok := def.Step(p.Step)
	if !ok {
		return fmt.Errorf("%w: %s.%s", cascade.ErrStepNotFound, p.FlowName, p.Step)
	}

	entry, err := r.index.IndexGet(ctx, store.RunIndexKey(p.FlowName), p.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", p.RunID, err)
	}
	if entry.Metadata.Status.IsTerminal() {
		r.logger.Info("skipping step of finished run",
			slog.String("run_id", p.RunID),
			slog.String("step", p.Step),
			slog.String("status", string(entry.Metadata.Status)),
		)
		return nil
	}

	c := &Context{
		ctx:      ctx,
		runner:   r,
		holdAll:  decl.AwaitAfter != nil,
		RunID:    p.RunID,
		FlowName: p.FlowName,
		Step:     p.Step,
		JobID:    j.ID,
		Attempt:  j.Attempt + 1,
		Input:    p.Input,
		Trigger:  p.Trigger,
	}

	if err := r.lifecycle(c, event.StepStarted, nil); err != nil {
		return err
	}

	if err := r.call(c); err != nil {
		return r.fail(c, j, err)
	}

	if decl.AwaitAfter != nil {
		_, err := r.awaits.Register(ctx, p.FlowName, p.RunID, p.Step, flow.After, nil, c.heldEmits())
		switch {
		case err == nil:
		case await.IsStale(err):
			r.logger.Info("run stopped before after-await registration",
				slog.String("run_id", p.RunID),
				slog.String("step", p.Step),
			)
		default:
			return r.fail(c, j, err)
		}
	}

	return r.lifecycle(c, event.StepCompleted, nil)
}

// call runs the handler of c.Step, turning a panic into an error.
func (r *Runner) call(c *Context) (err error) {
	fn, ok := r.handler(c.Step)
	if !ok {
		return fmt.Errorf("no handler for step %q", c.Step)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("step handler panicked",
				slog.String("run_id", c.RunID),
				slog.String("step", c.Step),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in step %s: %v", c.Step, rec)
		}
	}()
	return fn(c)
}

// fail reports a failed attempt. When the queue will retry the job a
// step.retry follows the step.failed.
func (r *Runner) fail(c *Context, j *queue.Job, cause error) error {
	final := j.Final()
	r.logger.Warn("step failed",
		slog.String("run_id", c.RunID),
		slog.String("step", c.Step),
		slog.Int("attempt", c.Attempt),
		slog.Bool("final", final),
		slog.String("error", cause.Error()),
	)
	if err := r.lifecycle(c, event.StepFailed, event.FailedData{Error: cause.Error(), Final: final}); err != nil {
		return errors.Join(cause, err)
	}
	if !final {
		if err := r.lifecycle(c, event.StepRetry, nil); err != nil {
			return errors.Join(cause, err)
		}
	}
	return cause
}

func (r *Runner) lifecycle(c *Context, t event.Type, data any) error {
	rec, err := c.record(t, data)
	if err != nil {
		return err
	}
	return r.publish(c.ctx, rec)
}

func (r *Runner) publish(ctx context.Context, rec *event.Record) error {
	if err := r.bus.Publish(ctx, rec); err != nil {
		return fmt.Errorf("publish %s: %w", rec.Type, err)
	}
	return nil
}
