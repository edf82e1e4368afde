// Package cascade is an event-sourced step scheduler for multi-step flows.
//
// A flow is a graph of steps connected by named emit/subscribe events. Each
// step runs as an independently queued job; when it finishes it publishes
// lifecycle events that the orchestration core folds into run state to
// decide which steps became runnable, whether the flow is done, and when an
// await pattern (webhook, event, schedule, time) may let a paused step go on.
//
// Cascade is a library. Pick a store, a queue and a stream, build the
// engine, register flows and step handlers as ordinary Go functions.
// This root package holds the shared sentinel errors and Config.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memstore.New()),
//	    engine.WithQueue(memqueue.New()),
//	    engine.WithStream(stream.NewBroker(logger)),
//	)
//	eng.RegisterFlow(def)
//	eng.HandleStep("checkout", "charge", chargeCard)
//	eng.Start(ctx)
//	runID, err := eng.StartFlow(ctx, "checkout", input)
//
// # Architecture
//
// The core consumes three contracts: store.Store (append-only event log,
// versioned run index, key-value), queue.Queue (deduplicated job queue with
// delayed and cron scheduling) and stream.Stream (cross-instance fan-out).
// Memory, Redis and SQLite implementations ship with the module.
//
// Run ids use TypeID: type-prefixed, K-sortable, UUIDv7-based identifiers.
package cascade
