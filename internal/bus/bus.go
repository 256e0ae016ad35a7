// Package bus implements a topic-addressed in-process publish/subscribe bus
// with subscription lifetimes and a request/response convention layered on top.
package bus

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/coachpo/hookbus/lib/async"
)

const (
	// DefaultName is the registry slot used by Named when no name is given.
	DefaultName = "@@useBus"
	// CorrelationCounterName is the registry slot of the shared response-id counter.
	CorrelationCounterName = "@@useBusCallActionEventId"

	defaultResponderWorkers = 4
	defaultResponderQueue   = 64
)

// SubscriberID identifies a subscriber within one bus. Ids are assigned in
// increasing order and never reused.
type SubscriberID int64

// Event is the envelope delivered to handlers. EventID is zero when the event
// carries no correlation token. Err is set only on responses whose action failed.
type Event[P any] struct {
	EventID uint64
	Payload P
	Err     error
}

// Handler receives events emitted on a subscribed topic.
type Handler[T comparable, P any] func(ctx context.Context, evt Event[P], b *Bus[T, P]) error

// FaultPolicy controls how Emit reacts to a failing handler.
type FaultPolicy int

const (
	// FaultAbort stops dispatch at the first handler error and returns it.
	// Handler panics propagate to the emitter.
	FaultAbort FaultPolicy = iota
	// FaultIsolate recovers and logs each failing handler and keeps dispatching.
	FaultIsolate
)

// String returns the policy name.
func (p FaultPolicy) String() string {
	switch p {
	case FaultIsolate:
		return "isolate"
	default:
		return "abort"
	}
}

// ParseFaultPolicy maps a configuration value to a FaultPolicy. Unknown values select FaultAbort.
func ParseFaultPolicy(name string) FaultPolicy {
	if name == "isolate" {
		return FaultIsolate
	}
	return FaultAbort
}

type settings struct {
	name    string
	policy  FaultPolicy
	logger  *log.Logger
	ids     *atomic.Uint64
	workers int
	queue   int
	pool    *async.Pool
	timeout time.Duration
}

// Option configures a Bus at construction.
type Option func(*settings)

// WithName labels the bus in logs and metrics.
func WithName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.name = name
		}
	}
}

// WithFaultPolicy selects the dispatch fault policy.
func WithFaultPolicy(policy FaultPolicy) Option {
	return func(s *settings) {
		s.policy = policy
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCorrelationCounter shares a response-id counter between buses.
func WithCorrelationCounter(counter *atomic.Uint64) Option {
	return func(s *settings) {
		if counter != nil {
			s.ids = counter
		}
	}
}

// WithResponderPool sizes the worker pool that runs responder actions.
func WithResponderPool(workers, queue int) Option {
	return func(s *settings) {
		s.workers = workers
		s.queue = queue
	}
}

// WithResponderTimeout bounds each responder action. Zero leaves actions
// bounded only by bus shutdown.
func WithResponderTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithPool runs responder actions on an externally owned pool. The bus does not close it.
func WithPool(pool *async.Pool) Option {
	return func(s *settings) {
		if pool != nil {
			s.pool = pool
		}
	}
}

func (s settings) normalize() settings {
	if s.name == "" {
		s.name = DefaultName
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "bus ", log.LstdFlags|log.Lmicroseconds)
	}
	if s.ids == nil {
		s.ids = new(atomic.Uint64)
	}
	if s.workers <= 0 {
		s.workers = defaultResponderWorkers
	}
	if s.queue < 0 {
		s.queue = defaultResponderQueue
	}
	return s
}
