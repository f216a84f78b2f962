// Package eventbus implements the observable bus: a topic-per-interaction
// publish/subscribe primitive used to deliver property-change notifications
// and event emissions from an ExposedThing to its subscribers, and bridged
// by the protocol bindings onto SSE streams, WebSocket "emit" notifications
// and CoAP observations.
//
// Subscribers never block an emitter: each subscriber owns a bounded,
// per-subscriber queue and the oldest pending item is dropped on overflow.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultBound is the per-subscriber buffer size used when none is given.
// The specification leaves this unspecified; 128 is a starting point
// subject to tuning, not a derived constraint.
const DefaultBound = 128

// Item is a single emission delivered to a subscriber.
type Item struct {
	Topic string
	Name  string
	Value interface{}
	Err   error
}

// Subscription is a live subscription to one topic. Dispose stops delivery;
// it is idempotent and, once it returns, no further items arrive.
type Subscription struct {
	id    int64
	topic string
	bus   *Bus
	ch    chan Item

	mu       sync.Mutex
	disposed bool
}

// Items returns the channel items are delivered on. Closed after Dispose.
func (s *Subscription) Items() <-chan Item {
	return s.ch
}

// Dispose tears down the subscription. Safe to call more than once. The
// disposed flag and the channel close share push's lock, so an in-flight
// Publish can never send on a channel this has already closed.
func (s *Subscription) Dispose() {
	s.bus.unsubscribe(s.topic, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	close(s.ch)
}

// push delivers an item without blocking. If the subscriber's queue is full
// the oldest pending item is dropped to make room, and a warning is logged.
// Holding the same lock Dispose uses to close the channel means push never
// sends on a channel that Dispose has already closed, or races one that is
// closing concurrently.
func (s *Subscription) push(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	select {
	case s.ch <- item:
		return
	default:
	}
	select {
	case <-s.ch:
		logrus.Warnf("eventbus: subscriber buffer full for topic %q, dropping oldest pending item", s.topic)
	default:
	}
	select {
	case s.ch <- item:
	default:
		// lost the race to another concurrent push; the item is dropped
	}
}

// Bus is a collection of topics, each with its own independent subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[int64]*Subscription
	nextID int64
	bound  int
}

// New creates a Bus whose subscribers buffer up to bound items each.
// bound <= 0 selects DefaultBound.
func New(bound int) *Bus {
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Bus{
		topics: make(map[string]map[int64]*Subscription),
		bound:  bound,
	}
}

// Subscribe opens a new subscription to topic. Items published to topic
// after this call returns are delivered; nothing emitted before subscribing
// is replayed.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		bus:   b,
		ch:    make(chan Item, b.bound),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int64]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	return sub
}

// SubscribeHandler subscribes to topic and delivers items to handler on a
// dedicated goroutine instead of requiring the caller to range over a
// channel. If handler panics while processing an item, the subscription
// receives one final item carrying the error and is then detached; other
// subscribers of the same topic are unaffected.
func (b *Bus) SubscribeHandler(topic string, handler func(Item)) *Subscription {
	sub := b.Subscribe(topic)
	go func() {
		for item := range sub.ch {
			dispatch(topic, item, handler, sub)
		}
	}()
	return sub
}

// dispatch invokes handler for a single item, converting a panic into a
// terminal error notification and detaching the subscriber.
func dispatch(topic string, item Item, handler func(Item), sub *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("eventbus: subscriber handler panicked on topic %q: %v", topic, r)
			notifyError(topic, r, handler)
			sub.Dispose()
		}
	}()
	handler(item)
}

// notifyError best-effort informs a misbehaving handler of its own failure
// before the subscription is torn down.
func notifyError(topic string, recovered interface{}, handler func(Item)) {
	defer func() { recover() }()
	handler(Item{Topic: topic, Err: fmt.Errorf("subscriber error: %v", recovered)})
}

// unsubscribe removes a subscription from its topic's subscriber set.
func (b *Bus) unsubscribe(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers item to every subscriber currently on topic. Subscribers
// added concurrently with a Publish call never receive that in-flight
// emission, since the subscriber set is snapshotted before delivery begins.
// Publish never blocks on a slow subscriber.
func (b *Bus) Publish(topic string, item Item) {
	b.mu.Lock()
	subsByID := b.topics[topic]
	subs := make([]*Subscription, 0, len(subsByID))
	for _, s := range subsByID {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	item.Topic = topic
	for _, s := range subs {
		s.push(item)
	}
}

// SubscriberCount returns the number of active subscribers on topic, mostly
// useful for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
