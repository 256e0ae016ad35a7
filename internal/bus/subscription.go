package bus

import (
	"context"
	"sync/atomic"
)

// Lifetime selects how long a subscription stays registered.
type Lifetime int

const (
	// Continuous subscriptions fire on every matching event until unsubscribed.
	Continuous Lifetime = iota
	// OneShot subscriptions remove themselves before handling their first matching event.
	OneShot
)

type subscribeConfig struct {
	lifetime Lifetime
	waitFor  uint64
}

// SubscribeOption configures Subscribe.
type SubscribeOption func(*subscribeConfig)

// OneTime makes the subscription fire at most once.
func OneTime() SubscribeOption {
	return func(c *subscribeConfig) {
		c.lifetime = OneShot
	}
}

// WaitFor restricts delivery to events carrying the given correlation id.
// Non-matching events are skipped and do not consume a one-time subscription.
// Zero disables the filter.
func WaitFor(eventID uint64) SubscribeOption {
	return func(c *subscribeConfig) {
		c.waitFor = eventID
	}
}

// Subscription is a handle on one registered subscriber.
type Subscription struct {
	id  SubscriberID
	off func(SubscriberID)
}

// ID returns the underlying subscriber id.
func (s Subscription) ID() SubscriberID { return s.id }

// Unsubscribe removes the subscriber. Repeated calls are no-ops.
func (s Subscription) Unsubscribe() {
	if s.off != nil {
		s.off(s.id)
	}
}

// Subscribe registers handler on topic with the requested lifetime.
func Subscribe[T comparable, P any](b *Bus[T, P], topic T, handler Handler[T, P], opts ...SubscribeOption) Subscription {
	var cfg subscribeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	id := b.register(topic, func(id SubscriberID) Handler[T, P] {
		var fired atomic.Bool
		return func(ctx context.Context, evt Event[P], bus *Bus[T, P]) error {
			if cfg.waitFor != 0 && evt.EventID != cfg.waitFor {
				return nil
			}
			if cfg.lifetime == OneShot {
				if !fired.CompareAndSwap(false, true) {
					return nil
				}
				bus.Off(id)
			}
			if handler == nil {
				return nil
			}
			return handler(ctx, evt, bus)
		}
	})
	return Subscription{id: id, off: b.Off}
}
