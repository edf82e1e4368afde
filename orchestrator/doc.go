// Package orchestrator holds the two bus handlers at the heart of
// cascade.
//
// The [Persister] is subscribed first to every event type: it appends each
// ingress record to its run's event log and mirrors the stored record to
// the stream. The [Orchestrator] is subscribed second: it creates the run
// index entry on flow.start, counts completed steps, records emitted
// events, dispatches steps whose subscriptions became satisfied and runs
// completion analysis.
//
// The event log is the source of truth. [Analyze] folds a run's log into
// completed and finally failed steps and derives the run status from
// them; [Orchestrator.Rebuild] writes that fold back into the index when
// the derived metadata needs repair.
//
// Only one terminal event is ever published per run: the status
// transition to completed or failed is a versioned update that exactly
// one caller wins, and the winner re-scans the log for a terminal event
// before publishing.
package orchestrator
