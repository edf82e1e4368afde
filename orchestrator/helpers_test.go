package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/cascade/await"
	"github.com/xraph/cascade/dispatcher"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/orchestrator"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/queue/memory"
	"github.com/xraph/cascade/store"
	storemem "github.com/xraph/cascade/store/memory"
	"github.com/xraph/cascade/stream"
)

// instance is one process worth of wiring over shared backends.
type instance struct {
	bus    *event.Bus
	orch   *orchestrator.Orchestrator
	awaits *await.Manager
	broker *stream.Broker
}

type harness struct {
	t      *testing.T
	store  store.Store
	queue  queue.Queue
	flows  *flow.Registry
	logger *slog.Logger
}

func newHarness(t *testing.T, defs ...*flow.Definition) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		store:  storemem.New(),
		queue:  memory.New(),
		flows:  flow.NewRegistry(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, def := range defs {
		require.NoError(t, h.flows.Register(def))
	}
	return h
}

func (h *harness) instance() *instance {
	return h.instanceWith(nil)
}

// instanceWith builds an instance whose orchestrator publishes through
// wrap(bus) when wrap is set.
func (h *harness) instanceWith(wrap func(orchestrator.Publisher) orchestrator.Publisher, opts ...orchestrator.Option) *instance {
	bus := event.NewBus(h.logger)
	h.t.Cleanup(bus.Close)

	broker := stream.NewBroker(h.logger)
	d := dispatcher.New(h.queue, dispatcher.WithLogger(h.logger))
	mgr := await.NewManager(h.store, h.flows, d, bus,
		await.WithLogger(h.logger),
		await.WithDurableTimers(false),
	)
	h.t.Cleanup(mgr.Close)
	var pub orchestrator.Publisher = bus
	if wrap != nil {
		pub = wrap(bus)
	}
	orch := orchestrator.New(h.store, h.flows, d, pub, append([]orchestrator.Option{
		orchestrator.WithLogger(h.logger),
		orchestrator.WithAwaits(mgr),
	}, opts...)...)

	orchestrator.NewPersister(h.store, broker, h.logger).Subscribe(bus)
	orch.Subscribe(bus)
	return &instance{bus: bus, orch: orch, awaits: mgr, broker: broker}
}

func (i *instance) publish(t *testing.T, typ event.Type, flowName, runID, step string, data any) {
	t.Helper()
	rec, err := event.New(typ, runID, flowName, data)
	require.NoError(t, err)
	rec.StepName = step
	require.NoError(t, i.bus.Publish(context.Background(), rec))
}

func (i *instance) start(t *testing.T, def *flow.Definition, runID string) {
	t.Helper()
	i.publish(t, event.FlowStart, def.Name, runID, "", event.FlowData{StepCount: len(def.Steps)})
}

func (i *instance) complete(t *testing.T, def *flow.Definition, runID, step string, emits ...string) {
	t.Helper()
	for _, name := range emits {
		i.publish(t, event.Emit, def.Name, runID, step, event.EmitData{Name: name})
	}
	i.publish(t, event.StepCompleted, def.Name, runID, step, nil)
}

func (h *harness) jobExists(id string) bool {
	_, err := h.queue.GetJob(context.Background(), id)
	return err == nil
}

func (h *harness) log(runID string) []*event.Record {
	h.t.Helper()
	recs, err := h.store.Read(context.Background(), store.RunSubject(runID), store.ReadOptions{})
	require.NoError(h.t, err)
	return recs
}

func (h *harness) count(runID string, types ...event.Type) int {
	h.t.Helper()
	recs, err := h.store.Read(context.Background(), store.RunSubject(runID), store.ReadOptions{Types: types})
	require.NoError(h.t, err)
	return len(recs)
}

// failingPublisher fails the first n publishes of one event type and
// forwards everything else.
type failingPublisher struct {
	next orchestrator.Publisher
	typ  event.Type

	mu    sync.Mutex
	fails int
}

func failFirst(typ event.Type, n int) func(orchestrator.Publisher) orchestrator.Publisher {
	return func(next orchestrator.Publisher) orchestrator.Publisher {
		return &failingPublisher{next: next, typ: typ, fails: n}
	}
}

func (p *failingPublisher) Publish(ctx context.Context, rec *event.Record) error {
	if rec.Type == p.typ {
		p.mu.Lock()
		fail := p.fails > 0
		if fail {
			p.fails--
		}
		p.mu.Unlock()
		if fail {
			return errors.New("publish refused")
		}
	}
	return p.next.Publish(ctx, rec)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func linear() *flow.Definition {
	return &flow.Definition{
		Name:      "linear",
		EntryStep: "A",
		Steps: map[string]flow.StepDecl{
			"A": {Emits: []string{"A.done"}},
			"B": {Subscribes: []string{"A.done"}, Emits: []string{"B.done"}},
		},
	}
}

func diamond() *flow.Definition {
	return &flow.Definition{
		Name:      "diamond",
		EntryStep: "A",
		Steps: map[string]flow.StepDecl{
			"A": {Emits: []string{"A.done"}},
			"B": {Subscribes: []string{"A.done"}},
			"C": {Subscribes: []string{"A.done", "step:B"}},
		},
	}
}
