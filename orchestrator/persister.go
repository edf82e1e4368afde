package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/store"
	"github.com/xraph/cascade/stream"
)

// Persister appends ingress records to their run's event log.
type Persister struct {
	log    store.EventLog
	stream stream.Stream
	logger *slog.Logger
}

// NewPersister creates a persistence handler. st may be nil, in which
// case stored records are not mirrored.
func NewPersister(log store.EventLog, st stream.Stream, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{log: log, stream: st, logger: logger}
}

// Subscribe registers the persister for every event type on bus. It must
// be the first subscriber.
func (p *Persister) Subscribe(bus *event.Bus) {
	bus.SubscribeAll("persistence", p.Handle)
}

// Handle is the event.Handler. Records that already carry a log id are
// ignored; records without a run id are dropped.
func (p *Persister) Handle(ctx context.Context, rec *event.Record) error {
	if !rec.IsIngress() {
		return nil
	}
	if rec.RunID == "" {
		p.logger.Warn("dropping event without run id", slog.String("type", string(rec.Type)))
		return nil
	}

	stored, err := p.log.Append(ctx, store.RunSubject(rec.RunID), rec)
	if err != nil {
		return fmt.Errorf("persist %s for run %s: %w", rec.Type, rec.RunID, err)
	}
	p.mirror(ctx, stored)
	return nil
}

// mirror fans the stored record out on the flow and run topics.
func (p *Persister) mirror(ctx context.Context, rec *event.Record) {
	if p.stream == nil {
		return
	}
	for _, topic := range []string{stream.FlowTopic(rec.FlowName), stream.RunTopic(rec.RunID)} {
		if err := p.stream.Publish(ctx, topic, rec); err != nil {
			p.logger.Warn("stream publish failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}
}
