// Package event defines lifecycle event records and the in-process bus
// that delivers ingress events to the persistence and orchestration
// handlers.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/cascade"
)

// Handler processes one record. Errors are logged by the bus and never
// stop later handlers.
type Handler func(ctx context.Context, rec *Record) error

type namedHandler struct {
	name string
	fn   Handler
}

// envelope carries one record into a mailbox. reply is closed once every
// handler ran.
type envelope struct {
	ctx   context.Context
	rec   *Record
	reply chan struct{}
}

// mailbox serializes delivery for one event type.
type mailbox struct {
	typ   Type
	inbox chan envelope

	mu       sync.RWMutex
	handlers []namedHandler
}

func (m *mailbox) snapshot() []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers
}

// Bus delivers records to handlers through one mailbox goroutine per
// event type. Publish blocks until every handler for the record's type
// has run, in registration order; records of one type are delivered one
// at a time, records of different types concurrently.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	boxes  map[Type]*mailbox
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		boxes:  make(map[Type]*mailbox),
		quit:   make(chan struct{}),
	}
}

// Subscribe appends h to the handlers of t. name labels log lines.
func (b *Bus) Subscribe(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.boxes[t]
	if !ok {
		box = &mailbox{typ: t, inbox: make(chan envelope)}
		b.boxes[t] = box
		if !b.closed {
			b.wg.Add(1)
			go b.run(box)
		}
	}

	box.mu.Lock()
	// Copy on write: in-flight deliveries keep their snapshot.
	hs := make([]namedHandler, len(box.handlers), len(box.handlers)+1)
	copy(hs, box.handlers)
	box.handlers = append(hs, namedHandler{name: name, fn: h})
	box.mu.Unlock()
}

// SubscribeAll subscribes h to every lifecycle event type.
func (b *Bus) SubscribeAll(name string, h Handler) {
	for _, t := range Types() {
		b.Subscribe(t, name, h)
	}
}

// HandlerCount returns the number of handlers registered for t.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	box, ok := b.boxes[t]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(box.snapshot())
}

// Publish delivers rec to the handlers of rec.Type and returns once they
// all ran. A handler that publishes a type already being delivered on the
// same call chain gets inline delivery instead of waiting on its own
// mailbox.
func (b *Bus) Publish(ctx context.Context, rec *Record) error {
	b.mu.RLock()
	closed := b.closed
	box, ok := b.boxes[rec.Type]
	b.mu.RUnlock()

	if closed {
		return cascade.ErrBusClosed
	}
	if !ok {
		return nil
	}
	if delivering(ctx, rec.Type) {
		b.deliver(ctx, box, rec)
		return nil
	}

	env := envelope{ctx: ctx, rec: rec, reply: make(chan struct{})}
	select {
	case box.inbox <- env:
	case <-b.quit:
		return cascade.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-env.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the mailbox goroutines after their current delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.quit)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) run(box *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case env := <-box.inbox:
			b.deliver(env.ctx, box, env.rec)
			close(env.reply)
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, box *mailbox, rec *Record) {
	ctx = withDelivering(ctx, box.typ)
	for _, h := range box.snapshot() {
		if err := b.call(ctx, h, rec); err != nil {
			b.logger.Error("event handler failed",
				slog.String("handler", h.name),
				slog.String("type", string(rec.Type)),
				slog.String("run_id", rec.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bus) call(ctx context.Context, h namedHandler, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx, rec)
}

// ──────────────────────────────────────────────────
// Delivery chain tracking
// ──────────────────────────────────────────────────

type chainKey struct{}

type chain struct {
	typ    Type
	parent *chain
}

func withDelivering(ctx context.Context, t Type) context.Context {
	parent, _ := ctx.Value(chainKey{}).(*chain)
	return context.WithValue(ctx, chainKey{}, &chain{typ: t, parent: parent})
}

func delivering(ctx context.Context, t Type) bool {
	c, _ := ctx.Value(chainKey{}).(*chain)
	for ; c != nil; c = c.parent {
		if c.typ == t {
			return true
		}
	}
	return false
}
