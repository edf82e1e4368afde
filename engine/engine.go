package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/await"
	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/id"
	mw "github.com/xraph/cascade/middleware"
	"github.com/xraph/cascade/observability"
	"github.com/xraph/cascade/orchestrator"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/runner"
	"github.com/xraph/cascade/store"
	"github.com/xraph/cascade/stream"
)

// triggerConcurrency bounds how many flows Trigger scans at once.
const triggerConcurrency = 8

// Engine owns the registries and wires the bus handlers, the await
// manager, the dispatcher and the runner over the configured backends.
type Engine struct {
	config cascade.Config
	store  store.Store
	queue  queue.Queue
	stream stream.Stream
	logger *slog.Logger
	now    func() time.Time

	meterProvider metric.MeterProvider
	workerOpts    queue.WorkerOptions
	noWorkers     bool

	flows    *flow.Registry
	bus      *event.Bus
	dispatch *dispatcher.Dispatcher
	awaits   *await.Manager
	orch     *orchestrator.Orchestrator
	runner   *runner.Runner
	metrics  *observability.Metrics

	started atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg cascade.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithStore sets the event log and run index backend.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithQueue sets the job queue.
func WithQueue(q queue.Queue) Option {
	return func(eng *Engine) { eng.queue = q }
}

// WithStream sets the live record stream.
func WithStream(s stream.Stream) Option {
	return func(eng *Engine) { eng.stream = s }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithClock overrides time.Now in the orchestrator and await manager.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithMeterProvider sets a custom OTel MeterProvider for lifecycle
// metrics. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithWorkerOptions configures the consumers of every step queue.
func WithWorkerOptions(opts queue.WorkerOptions) Option {
	return func(eng *Engine) { eng.workerOpts = opts }
}

// WithoutWorkers makes Start skip attaching consumers to the step
// queues. The engine still orchestrates, dispatches and resolves awaits;
// jobs run in the processes that do attach workers.
func WithoutWorkers() Option {
	return func(eng *Engine) { eng.noWorkers = true }
}

// New creates an Engine. A store, a queue and a stream are required.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		config:     cascade.DefaultConfig(),
		logger:     slog.Default(),
		now:        time.Now,
		workerOpts: queue.WorkerOptions{Concurrency: 1},
		flows:      flow.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if err := eng.check(); err != nil {
		return nil, err
	}

	cfg := eng.config
	retry := []store.RetryOption{
		store.WithAttempts(cfg.UpdateRetries),
		store.WithBackoff(backoff.NewExponentialWithJitter(cfg.UpdateBackoffInitial, cfg.UpdateBackoffMax)),
	}

	eng.bus = event.NewBus(eng.logger)
	eng.dispatch = dispatcher.New(eng.queue,
		dispatcher.WithLogger(eng.logger),
		dispatcher.WithDefaultQueue(cfg.DefaultQueue),
		dispatcher.WithStepRetries(cfg.StepRetries),
	)
	eng.awaits = await.NewManager(eng.store, eng.flows, eng.dispatch, eng.bus,
		await.WithLogger(eng.logger),
		await.WithClock(eng.now),
		await.WithWebhookBase(cfg.BaseURL, cfg.WebhookPrefix),
		await.WithDurableTimers(cfg.DurableTimers),
		await.WithUpdateRetry(retry...),
	)
	eng.orch = orchestrator.New(eng.store, eng.flows, eng.dispatch, eng.bus,
		orchestrator.WithLogger(eng.logger),
		orchestrator.WithClock(eng.now),
		orchestrator.WithAwaits(eng.awaits),
		orchestrator.WithUpdateRetry(retry...),
		orchestrator.WithTerminalMemo(cfg.TerminalMemoTTL),
		orchestrator.WithFinalizeLease(cfg.FinalizeLease),
	)
	eng.runner = runner.New(eng.store, eng.flows, eng.dispatch, eng.awaits, eng.bus,
		runner.WithLogger(eng.logger),
	)
	if eng.meterProvider != nil {
		eng.metrics = observability.NewMetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/cascade/observability"))
	} else {
		eng.metrics = observability.NewMetrics()
	}

	// Persistence first: every later handler reads the log it wrote.
	orchestrator.NewPersister(eng.store, eng.stream, eng.logger).Subscribe(eng.bus)
	eng.orch.Subscribe(eng.bus)
	eng.metrics.Subscribe(eng.bus)

	return eng, nil
}

func (eng *Engine) check() error {
	switch {
	case eng.store == nil:
		return cascade.ErrNoStore
	case eng.queue == nil:
		return cascade.ErrNoQueue
	case eng.stream == nil:
		return cascade.ErrNoStream
	}
	return nil
}

// DefaultMiddleware is the job middleware stack the binary installs on
// its queue: recover → tracing → metrics → logging → timeout. Nil
// providers fall back to the global ones.
func DefaultMiddleware(logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, timeout time.Duration) []mw.Middleware {
	tracing := mw.Tracing()
	if tp != nil {
		tracing = mw.TracingWithTracer(tp.Tracer("github.com/xraph/cascade"))
	}
	metrics := mw.Metrics()
	if mp != nil {
		metrics = mw.MetricsWithMeter(mp.Meter("github.com/xraph/cascade"))
	}
	return []mw.Middleware{
		mw.Recover(logger),
		tracing,
		metrics,
		mw.Logging(logger),
		mw.Timeout(timeout),
	}
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// RegisterFlow validates and registers a flow definition. Flows must be
// registered before Start so their queues get workers.
func (eng *Engine) RegisterFlow(def *flow.Definition) error {
	if err := eng.flows.Register(def); err != nil {
		return err
	}
	eng.logger.Info("flow registered",
		slog.String("flow", def.Name),
		slog.Int("steps", len(def.Steps)),
	)
	return nil
}

// RegisterSteps compiles per-step configs into flows and registers them.
func (eng *Engine) RegisterSteps(configs []flow.StepConfig) error {
	defs, err := flow.Compile(configs)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := eng.RegisterFlow(def); err != nil {
			return err
		}
	}
	return nil
}

// HandleStep registers the logic of a step.
func (eng *Engine) HandleStep(step string, fn runner.StepFunc) {
	eng.runner.Handle(step, fn)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store, attaches the runner to every step queue and
// starts the queue workers.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.check(); err != nil {
		return err
	}
	if !eng.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := eng.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	if !eng.noWorkers {
		if err := eng.runner.Listen(eng.queue, eng.workerOpts); err != nil {
			return err
		}
	}
	if err := eng.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	eng.logger.Info("cascade engine started",
		slog.Any("flows", eng.flows.Names()),
		slog.Any("queues", eng.runner.Queues()),
		slog.Bool("workers", !eng.noWorkers),
	)
	return nil
}

// Stop closes the queue and the stream, cancels local await timers and
// closes the bus. ctx bounds the wait for running jobs; without a
// deadline Config.ShutdownTimeout applies. The store is left open for
// its owner to close.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.queue.Close(gctx); err != nil {
			return fmt.Errorf("close queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := eng.stream.Close(); err != nil {
			return fmt.Errorf("close stream: %w", err)
		}
		return nil
	})
	err := g.Wait()

	eng.awaits.Close()
	eng.bus.Close()
	eng.started.Store(false)
	return err
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

// StartOption configures StartFlow.
type StartOption func(*startOptions)

type startOptions struct {
	runID string
}

// WithRunID starts the run under a caller-chosen id. Starting the same id
// twice creates one run.
func WithRunID(runID string) StartOption {
	return func(o *startOptions) { o.runID = runID }
}

// StartFlow starts a run of flowName with input and returns its run id.
func (eng *Engine) StartFlow(ctx context.Context, flowName string, input any, opts ...StartOption) (string, error) {
	def, err := eng.flows.Lookup(flowName)
	if err != nil {
		return "", err
	}
	o := startOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = id.NewRunID().String()
	}

	var raw json.RawMessage
	switch v := input.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		if raw, err = json.Marshal(v); err != nil {
			return "", fmt.Errorf("marshal input for flow %q: %w", flowName, err)
		}
	}

	rec, err := event.New(event.FlowStart, o.runID, def.Name, event.FlowData{
		Input:     raw,
		StepCount: len(def.Steps),
	})
	if err != nil {
		return "", err
	}
	if err := eng.bus.Publish(ctx, rec); err != nil {
		return "", fmt.Errorf("start flow %q: %w", flowName, err)
	}
	return o.runID, nil
}

// RunView is a run's index entry together with its event log.
type RunView struct {
	Entry  *run.Entry      `json:"entry"`
	Events []*event.Record `json:"events"`
}

// Runs returns a page of a flow's runs, newest first.
func (eng *Engine) Runs(ctx context.Context, flowName string, offset, limit int) ([]*run.Entry, error) {
	if _, err := eng.flows.Lookup(flowName); err != nil {
		return nil, err
	}
	return eng.store.IndexRead(ctx, store.RunIndexKey(flowName), offset, limit)
}

// Run returns the index entry and the event log of a run.
func (eng *Engine) Run(ctx context.Context, flowName, runID string) (*RunView, error) {
	if _, err := eng.flows.Lookup(flowName); err != nil {
		return nil, err
	}
	entry, err := eng.store.IndexGet(ctx, store.RunIndexKey(flowName), runID)
	if err != nil {
		return nil, err
	}
	events, err := eng.store.Read(ctx, store.RunSubject(runID), store.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("read log of run %s: %w", runID, err)
	}
	return &RunView{Entry: entry, Events: events}, nil
}

// Rebuild recomputes a run's index entry from its event log.
func (eng *Engine) Rebuild(ctx context.Context, flowName, runID string) (*run.Entry, error) {
	def, err := eng.flows.Lookup(flowName)
	if err != nil {
		return nil, err
	}
	return eng.orch.Rebuild(ctx, def, runID)
}

// ──────────────────────────────────────────────────
// Awaits
// ──────────────────────────────────────────────────

// ResolveWebhook resolves the webhook await of step in a run.
func (eng *Engine) ResolveWebhook(ctx context.Context, flowName, runID, step, method string, payload json.RawMessage) error {
	return eng.awaits.ResolveWebhook(ctx, flowName, runID, step, method, payload)
}

// Trigger delivers a named external event to the event awaits of every
// running run of every flow listening for it. It returns the number of
// awaits resolved.
func (eng *Engine) Trigger(ctx context.Context, name string, payload json.RawMessage) (int, error) {
	var (
		total atomic.Int64
		mu    sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(triggerConcurrency)
	for _, def := range eng.flows.All() {
		if !await.ListensFor(def, name) {
			continue
		}
		g.Go(func() error {
			n, err := eng.awaits.Trigger(gctx, def.Name, "", name, payload)
			total.Add(int64(n))
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flow %s: %w", def.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // per-flow errors are collected above
	return int(total.Load()), errors.Join(errs...)
}

// Subscribe opens a live subscription to records of the given topics.
// See stream.FlowTopic and stream.RunTopic.
func (eng *Engine) Subscribe(ctx context.Context, topics ...string) (stream.Subscription, error) {
	return eng.stream.Subscribe(ctx, topics...)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Config returns the engine configuration.
func (eng *Engine) Config() cascade.Config { return eng.config }

// Flows returns the flow registry.
func (eng *Engine) Flows() *flow.Registry { return eng.flows }

// FlowNames returns the names of the registered flows.
func (eng *Engine) FlowNames() []string { return eng.flows.Names() }

// Bus returns the event bus.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Store returns the store backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Queue returns the job queue.
func (eng *Engine) Queue() queue.Queue { return eng.queue }

// Awaits returns the await manager.
func (eng *Engine) Awaits() *await.Manager { return eng.awaits }

// Runner returns the step runner.
func (eng *Engine) Runner() *runner.Runner { return eng.runner }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }
