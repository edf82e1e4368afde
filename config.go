package cascade

import "time"

// Config holds configuration for the orchestration core.
type Config struct {
	// BaseURL is prepended to webhook await paths when computing the
	// callable URL handed to clients.
	BaseURL string

	// WebhookPrefix is the HTTP path prefix of the webhook resume endpoint.
	WebhookPrefix string

	// UpdateRetries bounds optimistic versioned index updates.
	UpdateRetries int

	// UpdateBackoffInitial and UpdateBackoffMax shape the jittered
	// exponential delay between optimistic update attempts.
	UpdateBackoffInitial time.Duration
	UpdateBackoffMax     time.Duration

	// DefaultQueue receives steps that declare no queue.
	DefaultQueue string

	// StepRetries is the retry count for step jobs that declare none.
	StepRetries int

	// DurableTimers schedules await timeouts as delayed queue jobs in
	// addition to local timers, so a restart does not strand an await.
	DurableTimers bool

	// TerminalMemoTTL is how long a run known to be terminal is remembered
	// locally, short-circuiting completion analysis.
	TerminalMemoTTL time.Duration

	// FinalizeLease is how long one instance holds the right to publish a
	// finished run's terminal event before another may take over.
	FinalizeLease time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:              "http://localhost:8080",
		WebhookPrefix:        "/webhooks",
		UpdateRetries:        8,
		UpdateBackoffInitial: 5 * time.Millisecond,
		UpdateBackoffMax:     250 * time.Millisecond,
		DefaultQueue:         "default",
		StepRetries:          3,
		DurableTimers:        true,
		TerminalMemoTTL:      10 * time.Minute,
		FinalizeLease:        30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}
