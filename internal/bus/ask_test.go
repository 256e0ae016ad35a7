package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/lib/async"
)

type counterState struct {
	Counter int
}

func TestResponseTopic(t *testing.T) {
	type topic string
	require.Equal(t, "foo:response", ResponseTopic("foo"))
	require.Equal(t, topic("inc:response"), ResponseTopic(topic("inc")))
}

func TestAskReceivesResponderResult(t *testing.T) {
	b := newTestBus[string, any](t)
	var actionCalls atomic.Int32
	sub := Respond(b, "incrementCounter", func(_ context.Context, state counterState) (int, error) {
		actionCalls.Add(1)
		return state.Counter + 1, nil
	})
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := Ask[int](ctx, b, "incrementCounter", counterState{Counter: 1})
	require.NoError(t, err)
	require.Equal(t, 2, got)
	require.Equal(t, int32(1), actionCalls.Load())
	require.Equal(t, 1, b.Len(), "ask listener must be gone once answered")
}

func TestOverlappingAsksAreCorrelated(t *testing.T) {
	b := newTestBus[string, any](t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	Respond(b, "double", func(_ context.Context, n int) (int, error) {
		arrived.Done()
		<-release
		if n == 1 {
			// answer the first request last
			time.Sleep(20 * time.Millisecond)
		}
		return n * 10, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make([]int, 2)
	failures := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = Ask[int](ctx, b, "double", i+1)
		}(i)
	}
	arrived.Wait()
	close(release)
	wg.Wait()

	require.NoError(t, failures[0])
	require.NoError(t, failures[1])
	require.Equal(t, []int{10, 20}, results)
}

func TestAskPropagatesActionError(t *testing.T) {
	b := newTestBus[string, any](t)
	boom := errors.New("boom")
	Respond(b, "fail", func(context.Context, int) (int, error) {
		return 0, boom
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Ask[int](ctx, b, "fail", 1)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.True(t, errs.Is(err, errs.CodeInternal))
}

func TestAskKeepsTypedActionErrors(t *testing.T) {
	b := newTestBus[string, any](t)
	Respond(b, "lookup", func(context.Context, string) (string, error) {
		return "", errs.New("lookup", errs.CodeNotFound, errs.WithMessage("no such key"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Ask[string](ctx, b, "lookup", "k")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestAskRejectsMismatchedPayload(t *testing.T) {
	b := newTestBus[string, any](t)
	var actionCalls atomic.Int32
	Respond(b, "typed", func(context.Context, int) (int, error) {
		actionCalls.Add(1)
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Ask[int](ctx, b, "typed", "not an int")
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, int32(0), actionCalls.Load())

	Respond(b, "stringy", func(context.Context, int) (string, error) {
		return "text", nil
	})
	_, err = Ask[int](ctx, b, "stringy", 1)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestAskWithoutResponderTimesOut(t *testing.T) {
	b := newTestBus[string, any](t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Ask[int](ctx, b, "nobody", 1)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, b.Len())
}

func TestAskReportsClosedPool(t *testing.T) {
	pool, err := async.NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()

	b := newTestBus[string, any](t, WithPool(pool))
	Respond(b, "op", func(context.Context, int) (int, error) { return 1, nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = Ask[int](ctx, b, "op", 1)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestAskOnClosedBus(t *testing.T) {
	b := newTestBus[string, any](t)
	b.Close()
	_, err := Ask[int](context.Background(), b, "op", 1)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestResponderTimeoutEndsBlockedAction(t *testing.T) {
	b := newTestBus[string, any](t, WithResponderTimeout(30*time.Millisecond))
	Respond(b, "stuck", func(ctx context.Context, _ int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Ask[int](ctx, b, "stuck", 1)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestShutdownCancelsRunningResponders(t *testing.T) {
	b := New[string, any](WithLogger(quietLogger()), WithResponderPool(1, 1))
	started := make(chan struct{})
	finished := make(chan struct{})
	Respond(b, "stuck", func(ctx context.Context, _ int) (int, error) {
		close(started)
		<-ctx.Done()
		close(finished)
		return 0, ctx.Err()
	})

	require.NoError(t, b.Emit(context.Background(), "stuck", Event[any]{EventID: 1, Payload: 1}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, b.Shutdown(ctx))

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("responder action was not cancelled by Shutdown")
	}
}

func TestAskUnderIsolateWaitsPastFailingHandler(t *testing.T) {
	b := newTestBus[string, any](t, WithFaultPolicy(FaultIsolate))
	b.On("op", func(context.Context, Event[any], *Bus[string, any]) error {
		return errors.New("audit sink down")
	})
	Respond(b, "op", func(_ context.Context, n int) (int, error) { return n + 1, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := Ask[int](ctx, b, "op", 1)
	require.NoError(t, err)
	require.Equal(t, 2, got)
}

func TestAskUnderIsolateTimeoutKeepsHandlerFault(t *testing.T) {
	b := newTestBus[string, any](t, WithFaultPolicy(FaultIsolate))
	sinkDown := errors.New("audit sink down")
	b.On("op", func(context.Context, Event[any], *Bus[string, any]) error { return sinkDown })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Ask[int](ctx, b, "op", 1)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.ErrorIs(t, err, sinkDown)
}

func TestAskUnderAbortFailsOnHandlerFault(t *testing.T) {
	b := newTestBus[string, any](t)
	b.On("op", func(context.Context, Event[any], *Bus[string, any]) error {
		return errors.New("audit sink down")
	})
	var calls atomic.Int32
	Respond(b, "op", func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return n + 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Ask[int](ctx, b, "op", 1)
	require.True(t, errs.Is(err, errs.CodeInternal))
	require.Equal(t, int32(0), calls.Load(), "abort stops dispatch before the responder")
}

func TestAskRetryRecoversFromSlowResponder(t *testing.T) {
	b := newTestBus[string, any](t)
	var calls atomic.Int32
	Respond(b, "flaky", func(context.Context, int) (int, error) {
		if calls.Add(1) == 1 {
			time.Sleep(150 * time.Millisecond)
			return -1, nil
		}
		return 42, nil
	})

	got, err := AskRetry[int](context.Background(), b, "flaky", 0, RetryConfig{
		Attempts:        3,
		AttemptTimeout:  50 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestAskRetryDoesNotRetryActionErrors(t *testing.T) {
	b := newTestBus[string, any](t)
	var calls atomic.Int32
	Respond(b, "broken", func(context.Context, int) (int, error) {
		calls.Add(1)
		return 0, errors.New("broken")
	})

	_, err := AskRetry[int](context.Background(), b, "broken", 0, RetryConfig{AttemptTimeout: time.Second})
	require.True(t, errs.Is(err, errs.CodeInternal))
	require.Equal(t, int32(1), calls.Load())
}

func TestAskRetryGivesUpAfterAttempts(t *testing.T) {
	b := newTestBus[string, any](t)
	_, err := AskRetry[int](context.Background(), b, "nobody", 0, RetryConfig{
		Attempts:        2,
		AttemptTimeout:  10 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestPayloadAsNilYieldsZero(t *testing.T) {
	v, err := payloadAs[int](nil)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	s, err := payloadAs[*counterState](nil)
	require.NoError(t, err)
	require.Nil(t, s)
}
