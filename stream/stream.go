// Package stream fans stored event records out to live subscribers.
//
// The persistence handler publishes every stored record on two topics:
//
//	flow:<flowName>  all runs of a flow
//	run:<runID>      one run
//
// [Broker] is the in-process implementation; package stream/redis carries
// records across processes over Redis pub/sub. Delivery is best effort: a
// subscriber whose buffer is full misses records rather than slowing the
// publisher. The event log stays the source of truth.
package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/xraph/cascade/event"
)

// Stream is the live record fan-out the orchestrator publishes to.
type Stream interface {
	// Publish delivers rec to the current subscribers of topic.
	Publish(ctx context.Context, topic string, rec *event.Record) error

	// Subscribe opens a subscription to topics.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)

	// ListTopics returns the topics with at least one local subscriber.
	ListTopics() []string

	// SubscriptionCount returns the number of local subscribers of topic.
	SubscriptionCount(topic string) int

	Close() error
}

// Subscription is one subscriber's view of a Stream.
type Subscription interface {
	ID() string
	// C delivers records until Unsubscribe. It is closed afterwards.
	C() <-chan *event.Record
	// SetFilter installs a predicate; only matching records are delivered.
	SetFilter(fn func(*event.Record) bool)
	Unsubscribe()
}

// FlowTopic returns the topic carrying every run of flowName.
func FlowTopic(flowName string) string { return "flow:" + flowName }

// RunTopic returns the topic carrying one run.
func RunTopic(runID string) string { return "run:" + runID }

// ParseTopic splits a topic into its kind and name.
// For example, "run:run_abc" returns ("run", "run_abc").
func ParseTopic(topic string) (kind, name string) {
	kind, name, ok := strings.Cut(topic, ":")
	if !ok {
		return "", ""
	}
	return kind, name
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	kind, name := ParseTopic(topic)
	if kind == "" || name == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "flow", "run":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic kind %q", kind)
	}
}
