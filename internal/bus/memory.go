package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/lib/async"
)

// Bus dispatches events to subscribers registered per topic.
type Bus[T comparable, P any] struct {
	name     string
	policy   FaultPolicy
	logger   *log.Logger
	ids      *atomic.Uint64
	pool     *async.Pool
	ownsPool bool
	timeout  time.Duration
	metrics  *metrics

	mu     sync.RWMutex
	subs   []*subscriber[T, P] // sorted by id
	nextID SubscriberID

	closed    atomic.Bool
	closeOnce sync.Once
}

type subscriber[T comparable, P any] struct {
	id      SubscriberID
	topic   T
	handler Handler[T, P]
}

// New constructs a standalone bus. Use Named to share one bus per name.
func New[T comparable, P any](opts ...Option) *Bus[T, P] {
	cfg := settings{queue: defaultResponderQueue}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg = cfg.normalize()

	b := new(Bus[T, P])
	b.name = cfg.name
	b.policy = cfg.policy
	b.logger = cfg.logger
	b.ids = cfg.ids
	b.timeout = cfg.timeout
	b.metrics = newMetrics(b.name)

	if cfg.pool != nil {
		b.pool = cfg.pool
	} else {
		pool, err := async.NewPool(cfg.workers, cfg.queue, async.WithFailureHandler(func(err error) {
			b.logger.Printf("responder task failed: bus=%s err=%v", b.name, err)
		}))
		if err != nil {
			b.logger.Printf("responder pool unavailable: bus=%s err=%v", b.name, err)
		} else {
			b.pool = pool
			b.ownsPool = true
		}
	}
	return b
}

// Name returns the label the bus was created with.
func (b *Bus[T, P]) Name() string { return b.name }

// Policy returns the dispatch fault policy.
func (b *Bus[T, P]) Policy() FaultPolicy { return b.policy }

// Len returns the number of live subscribers.
func (b *Bus[T, P]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Closed reports whether Close has been called.
func (b *Bus[T, P]) Closed() bool { return b.closed.Load() }

// On registers handler for topic and returns its subscriber id. Handlers on
// the same topic run in registration order.
func (b *Bus[T, P]) On(topic T, handler Handler[T, P]) SubscriberID {
	return b.register(topic, func(SubscriberID) Handler[T, P] { return handler })
}

// register allocates the id before building the handler so wrappers can
// reference their own id without racing a concurrent Emit.
func (b *Bus[T, P]) register(topic T, build func(SubscriberID) Handler[T, P]) SubscriberID {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	handler := build(id)
	if handler == nil {
		handler = func(context.Context, Event[P], *Bus[T, P]) error { return nil }
	}
	if b.closed.Load() {
		b.mu.Unlock()
		return id
	}
	b.subs = append(b.subs, &subscriber[T, P]{id: id, topic: topic, handler: handler})
	b.mu.Unlock()

	b.metrics.subscriberAdded(topicLabel(topic))
	return id
}

// Off removes the subscriber. Unknown or already removed ids are ignored.
func (b *Bus[T, P]) Off(id SubscriberID) {
	b.mu.Lock()
	i := sort.Search(len(b.subs), func(i int) bool { return b.subs[i].id >= id })
	if i >= len(b.subs) || b.subs[i].id != id {
		b.mu.Unlock()
		return
	}
	topic := b.subs[i].topic
	b.subs = append(b.subs[:i], b.subs[i+1:]...)
	b.mu.Unlock()

	b.metrics.subscriberRemoved(topicLabel(topic))
}

// Emit delivers evt to every live subscriber of topic in ascending id order on
// the calling goroutine. The subscriber set is re-read on every step, so
// subscribers added by a handler during dispatch are reached in the same pass
// and subscribers removed during dispatch are skipped.
func (b *Bus[T, P]) Emit(ctx context.Context, topic T, evt Event[P]) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		return errs.New("bus/emit", errs.CodeUnavailable, errs.WithMessage("bus closed"), errs.WithField("bus", b.name))
	}
	label := topicLabel(topic)

	var (
		last      SubscriberID = -1
		delivered int
		faults    []error
	)
	for {
		sub := b.after(last)
		if sub == nil {
			break
		}
		last = sub.id
		if sub.topic != topic {
			continue
		}
		delivered++
		if err := b.invoke(ctx, sub, evt); err != nil {
			fault := errs.New("bus/emit", errs.CodeInternal,
				errs.WithMessage("handler failed"),
				errs.WithCause(err),
				errs.WithField("topic", label),
				errs.WithField("subscriber", strconv.FormatInt(int64(sub.id), 10)))
			b.metrics.handlerFault(ctx, label, err)
			if b.policy != FaultIsolate {
				b.metrics.emitted(ctx, label, delivered, false)
				return fault
			}
			b.logger.Printf("handler fault isolated: bus=%s topic=%s subscriber=%d err=%v", b.name, label, sub.id, err)
			faults = append(faults, fault)
		}
	}
	b.metrics.emitted(ctx, label, delivered, len(faults) == 0)
	return errors.Join(faults...)
}

func (b *Bus[T, P]) after(last SubscriberID) *subscriber[T, P] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.subs), func(i int) bool { return b.subs[i].id > last })
	if i >= len(b.subs) {
		return nil
	}
	return b.subs[i]
}

func (b *Bus[T, P]) invoke(ctx context.Context, sub *subscriber[T, P], evt Event[P]) (err error) {
	if b.policy == FaultIsolate {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
	}
	return sub.handler(ctx, evt, b)
}

// NextEventID draws a fresh correlation id from the bus's shared counter.
func (b *Bus[T, P]) NextEventID() uint64 {
	return b.ids.Add(1)
}

func (b *Bus[T, P]) submit(ctx context.Context, task async.Task) error {
	if b.pool == nil {
		return errs.New("bus/respond", errs.CodeUnavailable, errs.WithMessage("responder pool unavailable"))
	}
	return b.pool.Submit(ctx, task)
}

// Close drops all subscribers and stops accepting emits. Responder tasks
// already queued still run but their responses are discarded.
func (b *Bus[T, P]) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.mu.Lock()
		removed := b.subs
		b.subs = nil
		b.mu.Unlock()
		for _, sub := range removed {
			b.metrics.subscriberRemoved(topicLabel(sub.topic))
		}
		if b.ownsPool && b.pool != nil {
			b.pool.Close()
		}
	})
}

// Shutdown closes the bus and waits for in-flight responder tasks or until ctx expires.
func (b *Bus[T, P]) Shutdown(ctx context.Context) error {
	b.Close()
	if !b.ownsPool || b.pool == nil {
		return nil
	}
	if err := b.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("bus %s shutdown: %w", b.name, err)
	}
	return nil
}

func topicLabel[T comparable](topic T) string {
	switch v := any(topic).(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
