package flow

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/cascade/cron"
)

// AwaitType selects the signal that resolves an await.
type AwaitType string

const (
	AwaitWebhook  AwaitType = "webhook"
	AwaitEvent    AwaitType = "event"
	AwaitSchedule AwaitType = "schedule"
	AwaitTime     AwaitType = "time"
)

// Position says whether an await pauses the step itself (Before) or holds
// back the step's emits from dependents (After).
type Position string

const (
	Before Position = "before"
	After  Position = "after"
)

// TimeoutAction is applied when an await is not resolved in time.
type TimeoutAction string

const (
	// TimeoutFail marks the step failed.
	TimeoutFail TimeoutAction = "fail"
	// TimeoutContinue resolves the await with an empty payload.
	TimeoutContinue TimeoutAction = "continue"
	// TimeoutRetry restarts the await window.
	TimeoutRetry TimeoutAction = "retry"
)

// AwaitConfig configures one await pattern.
type AwaitConfig struct {
	Type AwaitType `json:"type" mapstructure:"type"`

	// Method is the HTTP method a webhook resume must use. Default POST.
	Method string `json:"method,omitempty" mapstructure:"method"`

	// Event is the event name an event await listens for.
	Event string `json:"event,omitempty" mapstructure:"event"`

	// Match maps gjson paths into the event payload to required values.
	Match map[string]any `json:"match,omitempty" mapstructure:"match"`

	// Cron is the schedule expression of a schedule await.
	Cron string `json:"cron,omitempty" mapstructure:"cron"`

	// Delay is the wait of a time await. A zero delay never fires on its
	// own: the await then resolves externally or by its timeout.
	Delay time.Duration `json:"delay,omitempty" mapstructure:"delay"`

	// Timeout is how long the await may stay unresolved. Zero disables it.
	Timeout       time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	TimeoutAction TimeoutAction `json:"timeoutAction,omitempty" mapstructure:"timeout_action"`
}

// WebhookMethod returns the configured method or POST.
func (c *AwaitConfig) WebhookMethod() string {
	if c.Method == "" {
		return http.MethodPost
	}
	return c.Method
}

// Action returns the configured timeout action, defaulting to fail.
func (c *AwaitConfig) Action() TimeoutAction {
	if c.TimeoutAction == "" {
		return TimeoutFail
	}
	return c.TimeoutAction
}

// Validate checks the type-specific required fields.
func (c *AwaitConfig) Validate() error {
	switch c.Type {
	case AwaitWebhook:
	case AwaitEvent:
		if c.Event == "" {
			return fmt.Errorf("event await needs an event name")
		}
	case AwaitSchedule:
		if c.Cron == "" {
			return fmt.Errorf("schedule await needs a cron expression")
		}
		if _, err := cron.ParseSchedule(c.Cron); err != nil {
			return err
		}
	case AwaitTime:
		if c.Delay < 0 {
			return fmt.Errorf("time await delay must not be negative")
		}
	default:
		return fmt.Errorf("unknown await type %q", c.Type)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("await timeout must not be negative")
	}
	switch c.Action() {
	case TimeoutFail, TimeoutContinue, TimeoutRetry:
	default:
		return fmt.Errorf("unknown timeout action %q", c.TimeoutAction)
	}
	return nil
}
