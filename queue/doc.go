// Package queue defines the Queue contract the orchestrator dispatches step
// jobs onto, the Job model, the Backend persistence contract shared by the
// concrete queues, and per-queue rate limiting.
//
// Job ids are caller-chosen. Enqueueing an id that already exists is a
// no-op that returns [cascade.ErrJobAlreadyExists]; the dispatcher relies
// on this to guarantee at most one job per (run, step).
//
// # Limits
//
// Use [Limit] to cap how fast and how wide a queue is consumed:
//
//	queue.Limit{
//	    Name:           "email",
//	    MaxConcurrency: 5,  // max 5 concurrent email jobs
//	    RateLimit:      10, // max 10 jobs/s claimed from this queue
//	    RateBurst:      20, // allow bursts up to 20
//	}
//
// [Manager] enforces limits at claim time with a token-bucket limiter
// (golang.org/x/time/rate) and an active-count gate:
//
//	m := queue.NewManager(limits...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // process the job
//	}
//
// Queues without a [Limit] are bounded only by worker concurrency.
package queue
