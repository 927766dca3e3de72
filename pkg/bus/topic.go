package bus

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Topic is a flat topic name bound to its payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic. Declaring does not register it.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

func (t Topic[T]) String() string { return t.name }

// Register records owner as the topic's owner. The first registrant wins:
// registering again with the same owner is a no-op, with another owner
// returns ErrTopicOwned.
func Register[T any](b *Bus, t Topic[T], owner string) error {
	typ := reflect.TypeFor[T]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.topics[t.name]; ok {
		if e.typ != typ {
			return newError(KindTopicRegistration, ErrTopicType, "topic %q carries %s, not %s", t.name, e.typ, typ)
		}
		if e.owner != owner {
			return newError(KindTopicRegistration, ErrTopicOwned, "topic %q owned by %q", t.name, e.owner)
		}
		return nil
	}
	b.topics[t.name] = &topicEntry{owner: owner, typ: typ}
	b.logger.Debug("topic registered", "topic", t.name, "owner", owner)
	return nil
}

// Owner returns the owner of a registered topic.
func (b *Bus) Owner(topic string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.topics[topic]
	if !ok {
		return "", false
	}
	return e.owner, true
}

// Subscription is a revocable handle to a topic callback.
type Subscription struct {
	id      uint64
	topic   string
	bus     *Bus
	revoked atomic.Bool
	deliver func(any)
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string { return s.topic }

// Revoke stops deliveries. A delivery already in progress finishes; none
// starts after Revoke returns. Revoke is idempotent.
func (s *Subscription) Revoke() {
	if s.revoked.Swap(true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.topics[s.topic]
	if !ok {
		return
	}
	subs := make([]*Subscription, 0, len(e.subs))
	for _, other := range e.subs {
		if other != s {
			subs = append(subs, other)
		}
	}
	e.subs = subs
}

// Revoked reports whether Revoke has been called.
func (s *Subscription) Revoked() bool { return s.revoked.Load() }

// Subscribe adds fn as a callback for t. Callbacks run synchronously in
// the publisher's goroutine and must not block: stages hand work to their
// own goroutine.
func Subscribe[T any](b *Bus, t Topic[T], fn func(T)) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.topics[t.name]
	if !ok {
		return nil, newError(KindUnknownTopic, ErrUnknownTopic, "topic %q is not registered", t.name)
	}
	if typ := reflect.TypeFor[T](); e.typ != typ {
		return nil, newError(KindTopicRegistration, ErrTopicType, "topic %q carries %s, not %s", t.name, e.typ, typ)
	}

	b.nextSub++
	sub := &Subscription{
		id:    b.nextSub,
		topic: t.name,
		bus:   b,
		deliver: func(v any) {
			fn(v.(T))
		},
	}
	subs := make([]*Subscription, len(e.subs), len(e.subs)+1)
	copy(subs, e.subs)
	e.subs = append(subs, sub)
	return sub, nil
}

// Publish delivers v to every live subscription of t in subscription order.
// Publishing to an unregistered topic is logged and ignored. A panicking
// subscriber is logged and does not stop delivery to the others.
func Publish[T any](b *Bus, t Topic[T], v T) {
	b.mu.RLock()
	e, ok := b.topics[t.name]
	var subs []*Subscription
	if ok {
		subs = e.subs
	}
	b.mu.RUnlock()

	if !ok {
		b.metrics.IncCounter(metrics.BusUnknownTopic, 1)
		b.logger.Warn("publish to unknown topic", "topic", t.name)
		return
	}

	b.metrics.IncCounter(metrics.BusPublished, 1)
	for _, sub := range subs {
		if sub.revoked.Load() {
			continue
		}
		b.deliver(sub, v)
	}
}

func (b *Bus) deliver(sub *Subscription, v any) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncCounter(metrics.BusSubscriberPanics, 1)
			b.logger.Error("subscriber panicked",
				"topic", sub.topic,
				"subscription", sub.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.deliver(v)
}
