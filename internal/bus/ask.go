package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/internal/telemetry"
)

const responseSuffix = ":response"

// Action computes the response to a request payload.
type Action[Req, Resp any] func(ctx context.Context, payload Req) (Resp, error)

// ResponseTopic returns the topic responses to topic are emitted on.
func ResponseTopic[T ~string](topic T) T {
	return topic + responseSuffix
}

// Respond registers action as the responder for topic. Each request runs on
// the bus's responder pool, so Emit returns before the action completes; the
// result is emitted on ResponseTopic(topic) carrying the request's EventID.
// Failures (type mismatch, saturated pool, action error) are sent back in the
// response's Err field. Actions run detached from the emitter's context but
// end when the bus shuts down or the responder timeout elapses.
func Respond[T ~string, Req, Resp any](b *Bus[T, any], topic T, action Action[Req, Resp]) Subscription {
	responseTopic := ResponseTopic(topic)
	label := string(topic)

	return Subscribe(b, topic, func(ctx context.Context, evt Event[any], bus *Bus[T, any]) error {
		req, err := payloadAs[Req](evt.Payload)
		if err != nil {
			return bus.Emit(ctx, responseTopic, Event[any]{EventID: evt.EventID, Err: err})
		}
		taskCtx := context.WithoutCancel(ctx)
		submitErr := bus.submit(taskCtx, func(runCtx context.Context) error {
			if bus.timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, bus.timeout)
				defer cancel()
			}
			var (
				result Resp
				actErr error
			)
			if action == nil {
				actErr = errs.New("bus/respond", errs.CodeNotFound, errs.WithMessage("no action registered"))
			} else {
				result, actErr = action(runCtx, req)
			}
			if actErr != nil {
				return bus.Emit(runCtx, responseTopic, Event[any]{EventID: evt.EventID, Err: wrapActionError(label, actErr)})
			}
			return bus.Emit(runCtx, responseTopic, Event[any]{EventID: evt.EventID, Payload: result})
		})
		if submitErr != nil {
			return bus.Emit(ctx, responseTopic, Event[any]{EventID: evt.EventID, Err: submitErr})
		}
		return nil
	})
}

// Ask emits payload on topic with a fresh correlation id and waits for the
// matching response. Ask has no timeout of its own: bound it with ctx.
// Overlapping asks on one topic each receive their own response. Under
// FaultIsolate a failing handler on topic does not end the wait, since the
// responder still runs.
func Ask[Resp any, T ~string](ctx context.Context, b *Bus[T, any], topic T, payload any) (Resp, error) {
	var zero Resp
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	label := string(topic)
	id := b.NextEventID()

	replies := make(chan Event[any], 1)
	sub := Subscribe(b, ResponseTopic(topic), func(_ context.Context, evt Event[any], _ *Bus[T, any]) error {
		select {
		case replies <- evt:
		default:
		}
		return nil
	}, OneTime(), WaitFor(id))
	defer sub.Unsubscribe()

	emitErr := b.Emit(ctx, topic, Event[any]{EventID: id, Payload: payload})
	if emitErr != nil {
		if b.policy != FaultIsolate || errs.Is(emitErr, errs.CodeUnavailable) {
			b.metrics.askObserved(ctx, label, start, telemetry.ResultError)
			return zero, fmt.Errorf("ask %s: %w", label, emitErr)
		}
		b.logger.Printf("ask continuing past isolated faults: bus=%s topic=%s err=%v", b.name, label, emitErr)
	}

	select {
	case <-ctx.Done():
		b.metrics.askObserved(ctx, label, start, telemetry.ResultTimeout)
		return zero, errs.New("bus/ask", errs.CodeTimeout,
			errs.WithMessage("no response before context ended"),
			errs.WithCause(errors.Join(ctx.Err(), emitErr)),
			errs.WithField("topic", label))
	case evt := <-replies:
		if evt.Err != nil {
			b.metrics.askObserved(ctx, label, start, telemetry.ResultError)
			return zero, evt.Err
		}
		resp, err := payloadAs[Resp](evt.Payload)
		if err != nil {
			b.metrics.askObserved(ctx, label, start, telemetry.ResultError)
			return zero, err
		}
		b.metrics.askObserved(ctx, label, start, telemetry.ResultSuccess)
		return resp, nil
	}
}

// RetryConfig bounds AskRetry.
type RetryConfig struct {
	Attempts        int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) normalize() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	return c
}

// AskRetry repeats Ask with a per-attempt timeout and exponential backoff.
// Only timeouts and transient unavailability are retried.
func AskRetry[Resp any, T ~string](ctx context.Context, b *Bus[T, any], topic T, payload any, cfg RetryConfig) (Resp, error) {
	var zero Resp
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalize()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		resp, err := Ask[Resp](attemptCtx, b, topic, payload)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || b.Closed() || ctx.Err() != nil || attempt == cfg.Attempts {
			break
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("ask %s retry: %w", string(topic), ctx.Err())
		case <-time.After(sleep):
		}
	}
	return zero, fmt.Errorf("ask %s: %w", string(topic), lastErr)
}

func retryable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeTimeout, errs.CodeUnavailable:
		return true
	}
	return false
}

func payloadAs[V any](payload any) (V, error) {
	var zero V
	if payload == nil {
		return zero, nil
	}
	typed, ok := payload.(V)
	if !ok {
		return zero, errs.New("bus/payload", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("payload %T is not %T", payload, zero)))
	}
	return typed, nil
}

func wrapActionError(topic string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New("bus/respond", errs.CodeTimeout,
			errs.WithMessage("action interrupted"),
			errs.WithCause(err),
			errs.WithField("topic", topic))
	}
	return errs.New("bus/respond", errs.CodeInternal,
		errs.WithMessage("action failed"),
		errs.WithCause(err),
		errs.WithField("topic", topic))
}
