// Package worker provides the job execution engine shared by every queue
// backend: an [Executor] that runs a job through middleware and applies
// retry/backoff, a [Pool] of goroutines that claim jobs from one queue,
// and [Queue], which composes a [queue.Backend], pools and a cron
// scheduler into a complete [queue.Queue].
//
// Backends only persist and claim jobs. Polling, retries, rate limits,
// pausing and recurring schedules live here, so the in-memory and Redis
// queues behave the same.
package worker
