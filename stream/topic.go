package stream

import (
	"slices"
	"sync"

	"github.com/xraph/cascade/event"
)

// topicSet maps topic names to their subscribers. A topic exists while it
// has at least one subscriber.
type topicSet struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber // topic -> subscriber id -> subscriber
}

func newTopicSet() *topicSet {
	return &topicSet{subs: make(map[string]map[string]*Subscriber)}
}

// add attaches sub to topic and reports whether it is the topic's first
// subscriber.
func (ts *topicSet) add(topic string, sub *Subscriber) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	set, ok := ts.subs[topic]
	if !ok {
		set = make(map[string]*Subscriber)
		ts.subs[topic] = set
	}
	set[sub.ID()] = sub
	sub.addTopic(topic)
	return !ok
}

// drop detaches the subscriber from every topic and returns the topics
// left without subscribers, sorted.
func (ts *topicSet) drop(subscriberID string) []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var emptied []string
	for topic, set := range ts.subs {
		sub, ok := set[subscriberID]
		if !ok {
			continue
		}
		sub.removeTopic(topic)
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(ts.subs, topic)
			emptied = append(emptied, topic)
		}
	}
	slices.Sort(emptied)
	return emptied
}

// send offers rec to every subscriber of topic. It returns how many
// subscribers the topic had and how many accepted the record.
func (ts *topicSet) send(topic string, rec *event.Record) (want, delivered int) {
	ts.mu.RLock()
	targets := make([]*Subscriber, 0, len(ts.subs[topic]))
	for _, s := range ts.subs[topic] {
		targets = append(targets, s)
	}
	ts.mu.RUnlock()

	for _, s := range targets {
		if s.Send(rec) {
			delivered++
		}
	}
	return len(targets), delivered
}

func (ts *topicSet) names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.subs))
	for t := range ts.subs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (ts *topicSet) count(topic string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subs[topic])
}
