// Package cron turns cron expressions into enqueued jobs.
//
// A [Scheduler] holds recurring entries in memory and ticks on an interval.
// When an entry is due it enqueues a copy of the entry's job template whose
// id is the template id plus the occurrence's Unix time:
//
//	{templateID}__{unixSeconds}
//
// Every instance that registered the same entry computes the same id for
// the same occurrence, so the queue's duplicate-id rule makes the
// occurrence fire once across a cluster without locks or leader election.
//
// Expressions use the standard 5-field syntax or descriptors such as
// "@every 30s" and "@hourly".
package cron
