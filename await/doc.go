// Package await implements the await-pattern state machine that pauses a
// step (before position) or holds back its emits (after position) until
// an external signal arrives.
//
// Each await moves through unregistered -> awaiting -> resolved | timedOut
// and is stored as a [run.AwaitState] inside the run's index entry, keyed
// by (step, position). Every transition is an optimistic versioned update
// that checks the current status and generation first, so concurrent
// resolutions, duplicate webhook calls and racing timers settle on
// exactly one winner; the losers get [cascade.ErrAwaitGone].
//
// Four await types are supported:
//
//   - webhook: resolved by an HTTP call to the URL computed at
//     registration (see [Manager.ResolveWebhook]).
//   - event: resolved by a matching named event, optionally filtered by
//     gjson path equality on its payload (see [Manager.Trigger]).
//   - schedule: resolved at the next cron occurrence.
//   - time: resolved after a fixed delay.
//
// Time-based transitions (fire and timeout) are armed as local timers
// and, when durable timers are enabled, as delayed queue jobs as well.
// Whichever fires first wins.
package await
