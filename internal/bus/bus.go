package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

type matchMode int

const (
	matchPrefix matchMode = iota
	matchExact
)

// Subscription represents an active subscription.
type Subscription struct {
	id    int
	topic string
	mode  matchMode
	once  bool
	ch    chan Event
}

// Ch returns the channel to receive events on. It is closed on Unsubscribe,
// and for one-shot subscriptions after the first delivery.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Topic returns the topic or prefix the subscription matches.
func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) matches(topic string) bool {
	if s.mode == matchExact {
		return topic == s.topic
	}
	return s.topic == "" || strings.HasPrefix(topic, s.topic)
}

// Bus is an in-process pub/sub registry supporting prefix, exact and
// one-shot subscriptions.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.add(topicPrefix, matchPrefix, false, defaultBufferSize)
}

// SubscribeTopic creates a persistent subscription for exactly one topic.
func (b *Bus) SubscribeTopic(topic string) *Subscription {
	return b.add(topic, matchExact, false, defaultBufferSize)
}

// Once registers a one-shot subscription for exactly one topic. The first
// matching event is delivered and the subscription removes itself.
func (b *Bus) Once(topic string) *Subscription {
	return b.add(topic, matchExact, true, 1)
}

func (b *Bus) add(topic string, mode matchMode, once bool, buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		mode:  mode,
		once:  once,
		ch:    make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// on an already-fired one-shot subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers and returns how many
// received it. Delivery is non-blocking: if a subscriber's buffer is full,
// the event is dropped for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) int {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for id, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			continue
		}
		if sub.once {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TopicCount returns the number of active subscriptions matching topic exactly.
func (b *Bus) TopicCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if sub.mode == matchExact && sub.topic == topic {
			n++
		}
	}
	return n
}
