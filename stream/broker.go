package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/id"
)

// Compile-time interface check.
var _ Stream = (*Broker)(nil)

// DefaultBufferSize is the default per-subscriber record buffer.
const DefaultBufferSize = 256

// Broker is the in-process Stream.
type Broker struct {
	topics *topicSet
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
	onFirst    func(topic string)
	onEmpty    func(topic string)
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithTopicHooks registers callbacks run when a topic gains its first
// subscriber and when it loses its last one.
func WithTopicHooks(onFirst, onEmpty func(topic string)) BrokerOption {
	return func(b *Broker) {
		b.onFirst = onFirst
		b.onEmpty = onEmpty
	}
}

// NewBroker creates an in-process broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:     newTopicSet(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers rec to the subscribers of topic.
func (b *Broker) Publish(_ context.Context, topic string, rec *event.Record) error {
	b.Deliver(topic, rec)
	return nil
}

// Deliver fans rec out locally and returns the number of subscribers that
// received it.
func (b *Broker) Deliver(topic string, rec *event.Record) int {
	want, delivered := b.topics.send(topic, rec)
	b.totalPublished.Add(int64(delivered))
	if dropped := want - delivered; dropped > 0 {
		b.totalDropped.Add(int64(dropped))
	}
	return delivered
}

// Subscribe creates a subscriber on topics.
func (b *Broker) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}
	return b.NewSubscriber(topics...), nil
}

// NewSubscriber registers a subscriber on topics and returns it.
func (b *Broker) NewSubscriber(topics ...string) *Subscriber {
	sub := NewSubscriber(id.NewSubscriptionID().String(), b.bufferSize)
	sub.onClose = func() { b.remove(sub.ID()) }
	b.subscribers.Store(sub.ID(), sub)
	for _, topic := range topics {
		if b.topics.add(topic, sub) && b.onFirst != nil {
			b.onFirst(topic)
		}
	}
	return sub
}

// Remove detaches a subscriber from all topics and closes it. It returns
// the topics left without subscribers.
func (b *Broker) Remove(subscriberID string) []string {
	val, ok := b.subscribers.Load(subscriberID)
	emptied := b.remove(subscriberID)
	if ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	return emptied
}

func (b *Broker) remove(subscriberID string) []string {
	b.subscribers.Delete(subscriberID)
	emptied := b.topics.drop(subscriberID)
	if b.onEmpty != nil {
		for _, topic := range emptied {
			b.onEmpty(topic)
		}
	}
	return emptied
}

// ListTopics returns the topics with subscribers.
func (b *Broker) ListTopics() []string { return b.topics.names() }

// SubscriptionCount returns the number of subscribers on topic.
func (b *Broker) SubscriptionCount(topic string) int { return b.topics.count(topic) }

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      len(b.topics.names()),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topicCount"`
	SubscriberCount int   `json:"subscriberCount"`
	TotalPublished  int64 `json:"totalPublished"`
	TotalDropped    int64 `json:"totalDropped"`
}

// Close closes every subscriber.
func (b *Broker) Close() error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		b.remove(key.(string)) //nolint:errcheck // sync.Map keys are subscriber ids
		sub.Close()
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
