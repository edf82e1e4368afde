package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/flow"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// Rebuild folds the event log of runID back into its index entry: status,
// timestamps, emitted events and the completed-step counter. Awaits are
// kept as stored. A missing entry is recreated. A finished run whose log
// lacks its terminal event gets one published.
func (o *Orchestrator) Rebuild(ctx context.Context, def *flow.Definition, runID string) (*run.Entry, error) {
	recs, err := o.store.Read(ctx, store.RunSubject(runID), store.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("read log of run %s: %w", runID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", cascade.ErrRunNotFound, runID)
	}

	a := Analyze(def, recs)
	folded := fold(def, recs, a)
	key := store.RunIndexKey(def.Name)

	entry, err := o.restore(ctx, key, runID, folded)
	if err != nil {
		return nil, err
	}

	switch {
	case a.Terminal != nil:
		o.terminal.SetDefault(runID, folded.Status)
	case entry.Metadata.Status.IsTerminal():
		// The run finished but its terminal event never made it to the log.
		if err := o.finish(ctx, def, runID, entry.Metadata.Status, a); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// restore writes folded as the index entry of runID, creating the entry
// if it is missing.
func (o *Orchestrator) restore(ctx context.Context, key, runID string, folded run.Metadata) (*run.Entry, error) {
	err := o.store.IndexAdd(ctx, key, &run.Entry{
		RunID:    runID,
		Score:    float64(folded.StartedAt.UnixMilli()),
		Metadata: folded,
	})
	if err == nil {
		return o.store.IndexGet(ctx, key, runID)
	}
	if !errors.Is(err, cascade.ErrRunAlreadyExists) {
		return nil, err
	}

	entry, err := store.UpdateWithRetry(ctx, o.store, key, runID, func(meta *run.Metadata) error {
		meta.Status = folded.Status
		meta.StartedAt = folded.StartedAt
		meta.CompletedAt = folded.CompletedAt
		meta.StepCount = folded.StepCount
		meta.EmittedEvents = folded.EmittedEvents
		meta.CountedSteps = folded.CountedSteps
		return nil
	}, o.retry...)
	if err != nil {
		return nil, err
	}

	if delta := folded.CompletedSteps - entry.Metadata.CompletedSteps; delta != 0 {
		n, err := o.store.IndexIncrement(ctx, key, runID, store.FieldCompletedSteps, delta)
		if err != nil {
			return nil, err
		}
		entry.Metadata.CompletedSteps = n
	}
	return entry, nil
}

// fold derives index metadata from a run's log.
func fold(def *flow.Definition, recs []*event.Record, a *Analysis) run.Metadata {
	meta := run.New(def.Name, len(def.Steps), recs[0].Timestamp)
	for _, rec := range recs {
		switch rec.Type {
		case event.FlowStart:
			meta.StartedAt = rec.Timestamp
		case event.StepCompleted:
			if meta.MarkCounted(rec.StepName) {
				meta.CompletedSteps++
			}
		case event.Emit:
			var ed event.EmitData
			if err := rec.Decode(&ed); err == nil && ed.Name != "" {
				meta.AddEmitted(ed.Name)
			}
		}
	}

	switch {
	case a.Terminal != nil:
		meta.Status = run.StatusCompleted
		if a.Terminal.Type == event.FlowFailed {
			meta.Status = run.StatusFailed
		}
		t := a.Terminal.Timestamp
		meta.CompletedAt = &t
	case a.Status.IsTerminal():
		meta.Status = a.Status
		t := lastTimestamp(recs)
		meta.CompletedAt = &t
	}
	return meta
}

func lastTimestamp(recs []*event.Record) time.Time {
	return recs[len(recs)-1].Timestamp
}
