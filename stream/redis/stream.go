// Package redis implements stream.Stream across processes. Records are
// msgpack-encoded and PUBLISHed on one Redis channel per topic; each
// process holds a single pub/sub connection, subscribed to the channels
// of the topics it has local subscribers for, and fans received records
// out through an in-process stream.Broker.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/stream"
)

// Compile-time interface check.
var _ stream.Stream = (*Stream)(nil)

const defaultPrefix = "cascade:stream:"

// envelope is the wire form of one published record.
type envelope struct {
	Topic  string        `msgpack:"t"`
	Record *event.Record `msgpack:"r"`
}

// Option configures the Stream.
type Option func(*Stream)

// WithPrefix sets the channel prefix. Default "cascade:stream:".
func WithPrefix(p string) Option {
	return func(s *Stream) { s.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(s *Stream) { s.bufferSize = n }
}

// Stream implements stream.Stream over Redis pub/sub.
type Stream struct {
	client     goredis.UniversalClient
	prefix     string
	logger     *slog.Logger
	bufferSize int

	broker *stream.Broker
	pubsub *goredis.PubSub

	mu     sync.Mutex // serializes channel (un)subscribe
	done   chan struct{}
	closed bool
}

// New creates a Stream and starts its receive loop. The caller owns the
// client.
func New(client goredis.UniversalClient, opts ...Option) *Stream {
	s := &Stream{
		client:     client,
		prefix:     defaultPrefix,
		logger:     slog.Default(),
		bufferSize: stream.DefaultBufferSize,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.broker = stream.NewBroker(s.logger,
		stream.WithBufferSize(s.bufferSize),
		stream.WithTopicHooks(s.listen, s.unlisten),
	)
	s.pubsub = client.Subscribe(context.Background())
	go s.receive(s.pubsub.Channel())
	return s
}

func (s *Stream) channel(topic string) string { return s.prefix + topic }

// Publish encodes rec and PUBLISHes it on topic's channel.
func (s *Stream) Publish(ctx context.Context, topic string, rec *event.Record) error {
	b, err := msgpack.Marshal(&envelope{Topic: topic, Record: rec})
	if err != nil {
		return fmt.Errorf("cascade/redis: encode record: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(topic), b).Err(); err != nil {
		return fmt.Errorf("cascade/redis: publish: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber; the first subscriber of a topic
// subscribes the shared connection to its channel.
func (s *Stream) Subscribe(ctx context.Context, topics ...string) (stream.Subscription, error) {
	return s.broker.Subscribe(ctx, topics...)
}

// ListTopics returns the topics with local subscribers.
func (s *Stream) ListTopics() []string { return s.broker.ListTopics() }

// SubscriptionCount returns the number of local subscribers of topic.
func (s *Stream) SubscriptionCount(topic string) int { return s.broker.SubscriptionCount(topic) }

// Close closes every local subscriber and the pub/sub connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.broker.Close() //nolint:errcheck // broker close never fails
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (s *Stream) listen(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.pubsub.Subscribe(context.Background(), s.channel(topic)); err != nil {
		s.logger.Error("stream subscribe failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Stream) unlisten(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broker.SubscriptionCount(topic) > 0 {
		return
	}
	if err := s.pubsub.Unsubscribe(context.Background(), s.channel(topic)); err != nil {
		s.logger.Warn("stream unsubscribe failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Stream) receive(ch <-chan *goredis.Message) {
	defer close(s.done)
	for msg := range ch {
		var env envelope
		if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.logger.Warn("stream: undecodable message",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		topic := env.Topic
		if topic == "" {
			topic = strings.TrimPrefix(msg.Channel, s.prefix)
		}
		if env.Record != nil {
			s.broker.Deliver(topic, env.Record)
		}
	}
}
