package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/cascade/event"
)

// Subscriber receives records from the topics it is subscribed to.
type Subscriber struct {
	id string
	ch chan *event.Record

	topics map[string]struct{}
	mu     sync.RWMutex

	filter atomic.Pointer[func(*event.Record) bool]

	dropped atomic.Int64

	// closed prevents double-close of the channel.
	closed  atomic.Bool
	sendMu  sync.RWMutex
	onClose func()
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id:     id,
		ch:     make(chan *event.Record, bufferSize),
		topics: make(map[string]struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only record channel.
func (s *Subscriber) C() <-chan *event.Record { return s.ch }

// SetFilter sets an optional record filter predicate.
func (s *Subscriber) SetFilter(fn func(*event.Record) bool) {
	if fn == nil {
		s.filter.Store(nil)
		return
	}
	s.filter.Store(&fn)
}

// Dropped returns how many records were lost to a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe detaches the subscriber from its stream and closes C.
func (s *Subscriber) Unsubscribe() {
	if s.onClose != nil {
		s.onClose()
	}
	s.Close()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Send attempts to deliver rec without blocking. It returns false when the
// record was filtered out, the buffer was full, or the subscriber closed.
func (s *Subscriber) Send(rec *event.Record) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed.Load() {
		return false
	}
	if fn := s.filter.Load(); fn != nil && !(*fn)(rec) {
		return false
	}

	select {
	case s.ch <- rec:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
