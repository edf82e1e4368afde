// Package middleware wraps job attempts in the worker pool. A
// [Middleware] sees the job and calls next to run the handler; [Chain]
// composes them outermost first.
//
// Built in: [Recover], [Tracing], [Metrics], [Logging] and [Timeout].
// They read the cascade job conventions: the job name is the step and
// the job id starts with the run id ([RunID]). [Outcome] tells a retried
// failure from a final one.
package middleware
