package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// Publisher publishes ingress records. *event.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, rec *event.Record) error
}

// Awaits is the part of the await manager the orchestrator drives.
type Awaits interface {
	// Trigger resolves event awaits of runID listening for name.
	Trigger(ctx context.Context, flowName, runID, name string, payload json.RawMessage) (int, error)
	// Cleanup tears down the awaits of a finished run.
	Cleanup(ctx context.Context, flowName, runID string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAwaits connects the await manager.
func WithAwaits(a Awaits) Option {
	return func(o *Orchestrator) { o.awaits = a }
}

// WithUpdateRetry sets the retry policy of index updates.
func WithUpdateRetry(opts ...store.RetryOption) Option {
	return func(o *Orchestrator) { o.retry = opts }
}

// WithFinalizeLease sets how long a claim to publish a run's terminal
// event holds before another caller may take it over.
func WithFinalizeLease(d time.Duration) Option {
	return func(o *Orchestrator) { o.lease = d }
}

// WithTerminalMemo sets how long a terminal run is remembered locally.
func WithTerminalMemo(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.memoTTL = ttl }
}

// Orchestrator is the orchestration handler.
type Orchestrator struct {
	store    store.Store
	flows    *flow.Registry
	dispatch *dispatcher.Dispatcher
	bus      Publisher
	awaits   Awaits
	logger   *slog.Logger
	now      func() time.Time
	retry    []store.RetryOption

	memoTTL time.Duration
	lease   time.Duration
	// terminal remembers runs known to be finished so late step events
	// skip the log scan.
	terminal *gocache.Cache
}

// New creates an orchestration handler.
func New(s store.Store, flows *flow.Registry, d *dispatcher.Dispatcher, bus Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		flows:    flows,
		dispatch: d,
		bus:      bus,
		logger:   slog.Default(),
		now:      time.Now,
		memoTTL:  cascade.DefaultConfig().TerminalMemoTTL,
		lease:    cascade.DefaultConfig().FinalizeLease,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.terminal = gocache.New(o.memoTTL, 2*o.memoTTL)
	return o
}

// Subscribe registers the handler on bus for the event types it acts on.
// The persister must be subscribed first.
func (o *Orchestrator) Subscribe(bus *event.Bus) {
	for _, t := range []event.Type{
		event.FlowStart,
		event.StepCompleted,
		event.StepFailed,
		event.Emit,
		event.FlowCompleted,
		event.FlowFailed,
	} {
		bus.Subscribe(t, "orchestration", o.Handle)
	}
}

// Handle is the event.Handler.
func (o *Orchestrator) Handle(ctx context.Context, rec *event.Record) error {
	if !rec.IsIngress() || rec.RunID == "" {
		return nil
	}
	def, err := o.flows.Lookup(rec.FlowName)
	if err != nil {
		return err
	}

	switch rec.Type {
	case event.FlowStart:
		return o.onStart(ctx, def, rec)
	case event.StepCompleted:
		return o.onStepCompleted(ctx, def, rec)
	case event.StepFailed:
		return o.onStepFailed(ctx, def, rec)
	case event.Emit:
		return o.onEmit(ctx, def, rec)
	case event.FlowCompleted, event.FlowFailed:
		o.onTerminal(ctx, def, rec)
	}
	return nil
}

// onStart creates the run's index entry and dispatches the entry step.
// A replayed flow.start finds the entry present and does nothing.
func (o *Orchestrator) onStart(ctx context.Context, def *flow.Definition, rec *event.Record) error {
	var data event.FlowData
	if err := rec.Decode(&data); err != nil {
		return fmt.Errorf("decode flow.start: %w", err)
	}

	meta := run.New(def.Name, len(def.Steps), o.now().UTC())
	err := o.store.IndexAdd(ctx, store.RunIndexKey(def.Name), &run.Entry{
		RunID:    rec.RunID,
		Score:    float64(meta.StartedAt.UnixMilli()),
		Metadata: meta,
	})
	if errors.Is(err, cascade.ErrRunAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create run %s: %w", rec.RunID, err)
	}

	o.logger.Info("flow started",
		slog.String("flow", def.Name),
		slog.String("run_id", rec.RunID),
	)
	_, err = o.dispatch.Dispatch(ctx, dispatcher.Request{
		Flow:  def,
		RunID: rec.RunID,
		Step:  def.EntryStep,
		Input: data.Input,
	})
	return err
}

// onStepCompleted counts the step's first completion, dispatches newly
// runnable steps and analyses completion. A redelivered completion finds
// its step in CountedSteps and leaves the counter alone. The log read
// happens after the counting calls returned, so it observes them and the
// completion record.
func (o *Orchestrator) onStepCompleted(ctx context.Context, def *flow.Definition, rec *event.Record) error {
	key := store.RunIndexKey(def.Name)
	counted := false
	entry, err := store.UpdateWithRetry(ctx, o.store, key, rec.RunID, func(meta *run.Metadata) error {
		counted = meta.MarkCounted(rec.StepName)
		if !counted {
			return store.ErrSkip
		}
		return nil
	}, o.retry...)
	if err != nil {
		return fmt.Errorf("mark completion of %s: %w", rec.StepName, err)
	}
	if counted {
		n, err := o.store.IndexIncrement(ctx, key, rec.RunID, store.FieldCompletedSteps, 1)
		if err != nil {
			return fmt.Errorf("count completion of %s: %w", rec.StepName, err)
		}
		entry.Metadata.CompletedSteps = n
	}

	if entry.Metadata.Status.IsTerminal() {
		return o.finish(ctx, def, rec.RunID, entry.Metadata.Status, nil)
	}

	a, err := o.analyze(ctx, def, rec.RunID)
	if err != nil {
		return err
	}
	dispatchErr := o.dispatchPending(ctx, def, entry, a)
	return errors.Join(dispatchErr, o.complete(ctx, def, rec.RunID, a))
}

// onStepFailed analyses completion for final failures. A failure that
// will be retried changes nothing yet.
func (o *Orchestrator) onStepFailed(ctx context.Context, def *flow.Definition, rec *event.Record) error {
	var fd event.FailedData
	if err := rec.Decode(&fd); err != nil {
		return fmt.Errorf("decode step.failed: %w", err)
	}
	if !fd.Final {
		return nil
	}

	o.logger.Warn("step failed",
		slog.String("flow", def.Name),
		slog.String("run_id", rec.RunID),
		slog.String("step", rec.StepName),
		slog.String("error", fd.Error),
	)
	a, err := o.analyze(ctx, def, rec.RunID)
	if err != nil {
		return err
	}
	return o.complete(ctx, def, rec.RunID, a)
}

// onEmit records the emitted name, dispatches newly runnable steps and
// offers the event to event awaits of the run.
func (o *Orchestrator) onEmit(ctx context.Context, def *flow.Definition, rec *event.Record) error {
	var data event.EmitData
	if err := rec.Decode(&data); err != nil {
		return fmt.Errorf("decode emit: %w", err)
	}
	if data.Name == "" {
		return fmt.Errorf("emit without a name in run %s", rec.RunID)
	}

	entry, err := store.UpdateWithRetry(ctx, o.store, store.RunIndexKey(def.Name), rec.RunID, func(meta *run.Metadata) error {
		if meta.Status.IsTerminal() || !meta.AddEmitted(data.Name) {
			return store.ErrSkip
		}
		return nil
	}, o.retry...)
	if err != nil {
		return fmt.Errorf("record emit %s: %w", data.Name, err)
	}
	if entry.Metadata.Status.IsTerminal() {
		return o.finish(ctx, def, rec.RunID, entry.Metadata.Status, nil)
	}

	a, err := o.analyze(ctx, def, rec.RunID)
	if err != nil {
		return err
	}
	dispatchErr := o.dispatchPending(ctx, def, entry, a)

	if o.awaits != nil {
		if _, err := o.awaits.Trigger(ctx, def.Name, rec.RunID, data.Name, data.Data); err != nil {
			o.logger.Warn("event await trigger failed",
				slog.String("run_id", rec.RunID),
				slog.String("event", data.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return dispatchErr
}

// onTerminal tears down the run's awaits.
func (o *Orchestrator) onTerminal(ctx context.Context, def *flow.Definition, rec *event.Record) {
	status := run.StatusCompleted
	if rec.Type == event.FlowFailed {
		status = run.StatusFailed
	}
	o.terminal.SetDefault(rec.RunID, status)
	if o.awaits != nil {
		o.awaits.Cleanup(ctx, def.Name, rec.RunID)
	}
}

func (o *Orchestrator) analyze(ctx context.Context, def *flow.Definition, runID string) (*Analysis, error) {
	recs, err := o.store.Read(ctx, store.RunSubject(runID), store.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("read log of run %s: %w", runID, err)
	}
	return Analyze(def, recs), nil
}

// dispatchPending enqueues every step the current emitted events and
// completed steps make runnable. Duplicates are expected and swallowed by
// the dispatcher.
func (o *Orchestrator) dispatchPending(ctx context.Context, def *flow.Definition, entry *run.Entry, a *Analysis) error {
	var errs []error
	for _, step := range flow.PendingSteps(def, entry.Metadata.Emitted(), a.Completed) {
		if _, failed := a.Failed[step]; failed {
			continue
		}
		_, err := o.dispatch.Dispatch(ctx, dispatcher.Request{
			Flow:  def,
			RunID: entry.RunID,
			Step:  step,
			Input: a.Input(def.Steps[step]),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// complete moves the run to the status a implies, then makes sure the
// terminal event gets published. A run some other caller already
// finished keeps its status.
func (o *Orchestrator) complete(ctx context.Context, def *flow.Definition, runID string, a *Analysis) error {
	if a.Status == run.StatusRunning {
		return nil
	}
	if _, done := o.terminal.Get(runID); done {
		return nil
	}

	entry, err := store.UpdateWithRetry(ctx, o.store, store.RunIndexKey(def.Name), runID, func(meta *run.Metadata) error {
		if meta.Status.IsTerminal() {
			return store.ErrSkip
		}
		now := o.now().UTC()
		meta.Status = a.Status
		meta.CompletedAt = &now
		return nil
	}, o.retry...)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return o.finish(ctx, def, runID, entry.Metadata.Status, a)
}

// finish publishes the terminal event of a run whose index entry is
// terminal, unless the log already holds one. Several callers may get
// here for the same run: the finalize claim lets one of them publish, and
// a failed publish releases the claim so the next delivery retries. A
// claim older than the finalize lease is taken over. The memo is only set
// once a terminal record has been seen in the log.
func (o *Orchestrator) finish(ctx context.Context, def *flow.Definition, runID string, status run.Status, a *Analysis) error {
	if _, done := o.terminal.Get(runID); done {
		return nil
	}

	existing, err := o.store.Read(ctx, store.RunSubject(runID), store.ReadOptions{
		Types: []event.Type{event.FlowCompleted, event.FlowFailed},
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("scan terminal events of run %s: %w", runID, err)
	}
	if len(existing) > 0 {
		o.terminal.SetDefault(runID, status)
		return nil
	}

	key := store.RunIndexKey(def.Name)
	now := o.now().UTC()
	claimed := false
	if _, err := store.UpdateWithRetry(ctx, o.store, key, runID, func(meta *run.Metadata) error {
		claimed = false
		if c := meta.FinalizingAt; c != nil && now.Sub(*c) < o.lease {
			return store.ErrSkip
		}
		meta.FinalizingAt = &now
		claimed = true
		return nil
	}, o.retry...); err != nil {
		return fmt.Errorf("claim terminal event of run %s: %w", runID, err)
	}
	if !claimed {
		return nil
	}

	if a == nil {
		if a, err = o.analyze(ctx, def, runID); err != nil {
			return errors.Join(err, o.release(ctx, key, runID, now))
		}
	}
	rec, err := terminalRecord(def, runID, status, a)
	if err != nil {
		return errors.Join(err, o.release(ctx, key, runID, now))
	}

	o.logger.Info("flow finished",
		slog.String("flow", def.Name),
		slog.String("run_id", runID),
		slog.String("status", string(status)),
	)
	if err := o.bus.Publish(ctx, rec); err != nil {
		return errors.Join(fmt.Errorf("publish %s of run %s: %w", rec.Type, runID, err), o.release(ctx, key, runID, now))
	}
	return nil
}

// release drops the finalize claim taken at claimedAt so the next caller
// can publish. A claim taken over since is left alone.
func (o *Orchestrator) release(ctx context.Context, key, runID string, claimedAt time.Time) error {
	ctx = context.WithoutCancel(ctx)
	_, err := store.UpdateWithRetry(ctx, o.store, key, runID, func(meta *run.Metadata) error {
		if meta.FinalizingAt == nil || !meta.FinalizingAt.Equal(claimedAt) {
			return store.ErrSkip
		}
		meta.FinalizingAt = nil
		return nil
	}, o.retry...)
	if err != nil {
		return fmt.Errorf("release terminal claim of run %s: %w", runID, err)
	}
	return nil
}

// terminalRecord builds the flow.completed or flow.failed record for the
// status the index holds.
func terminalRecord(def *flow.Definition, runID string, status run.Status, a *Analysis) (*event.Record, error) {
	t := event.FlowCompleted
	data := event.FlowData{StepCount: len(def.Steps)}
	if status == run.StatusFailed {
		t = event.FlowFailed
		data.FailedSteps = a.FailedSteps()
		data.Reason = fmt.Sprintf("blocking step failure: %v", a.Blocking)
	}
	return event.New(t, runID, def.Name, data)
}
