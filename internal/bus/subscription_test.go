package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContinuousSubscriptionFiresUntilUnsubscribed(t *testing.T) {
	b := newTestBus[string, int](t)
	var seen []int
	sub := Subscribe(b, "counterChanged", func(_ context.Context, evt Event[int], _ *Bus[string, int]) error {
		seen = append(seen, evt.Payload)
		return nil
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Emit(context.Background(), "counterChanged", Event[int]{Payload: i}))
	}
	require.Equal(t, []int{1, 2, 3}, seen)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, b.Emit(context.Background(), "counterChanged", Event[int]{Payload: 4}))
	require.Equal(t, []int{1, 2, 3}, seen)
	require.Equal(t, 0, b.Len())
}

func TestOneTimeSubscriptionFiresOnce(t *testing.T) {
	b := newTestBus[string, int](t)
	calls := 0
	Subscribe(b, "counterChanged", func(context.Context, Event[int], *Bus[string, int]) error {
		calls++
		return nil
	}, OneTime())
	require.Equal(t, 1, b.Len())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Emit(context.Background(), "counterChanged", Event[int]{Payload: i}))
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	require.Equal(t, 0, b.Len())
}

func TestOneTimeSubscriptionIsRemovedBeforeHandlerRuns(t *testing.T) {
	b := newTestBus[string, int](t)
	lenDuringHandler := -1
	Subscribe(b, "t", func(_ context.Context, _ Event[int], bus *Bus[string, int]) error {
		lenDuringHandler = bus.Len()
		return nil
	}, OneTime())

	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{}))
	require.Equal(t, 0, lenDuringHandler)
}

func TestOneTimeSubscriptionReentrantEmit(t *testing.T) {
	b := newTestBus[string, int](t)
	calls := 0
	Subscribe(b, "t", func(ctx context.Context, evt Event[int], bus *Bus[string, int]) error {
		calls++
		return bus.Emit(ctx, "t", evt)
	}, OneTime())

	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{}))
	require.Equal(t, 1, calls)
}

func TestWaitForSkipsOtherEventIDs(t *testing.T) {
	b := newTestBus[string, string](t)
	var got []uint64
	Subscribe(b, "reply", func(_ context.Context, evt Event[string], _ *Bus[string, string]) error {
		got = append(got, evt.EventID)
		return nil
	}, OneTime(), WaitFor(7))

	require.NoError(t, b.Emit(context.Background(), "reply", Event[string]{EventID: 5}))
	require.Equal(t, 1, b.Len(), "non-matching ids must not consume the subscription")

	require.NoError(t, b.Emit(context.Background(), "reply", Event[string]{EventID: 7}))
	require.NoError(t, b.Emit(context.Background(), "reply", Event[string]{EventID: 7}))
	require.Equal(t, []uint64{7}, got)
	require.Equal(t, 0, b.Len())
}

func TestWaitForFiltersContinuousSubscriptions(t *testing.T) {
	b := newTestBus[string, int](t)
	calls := 0
	sub := Subscribe(b, "t", func(context.Context, Event[int], *Bus[string, int]) error {
		calls++
		return nil
	}, WaitFor(33))
	defer sub.Unsubscribe()

	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{EventID: 1}))
	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{EventID: 33}))
	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{EventID: 33}))
	require.Equal(t, 2, calls)
}

func TestOneTimeSubscriptionUnderConcurrentEmits(t *testing.T) {
	b := newTestBus[string, int](t)
	var calls atomic.Int32
	Subscribe(b, "t", func(context.Context, Event[int], *Bus[string, int]) error {
		calls.Add(1)
		return nil
	}, OneTime())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Emit(context.Background(), "t", Event[int]{})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestSubscribeNilHandler(t *testing.T) {
	b := newTestBus[string, int](t)
	sub := Subscribe[string, int](b, "t", nil)
	require.NoError(t, b.Emit(context.Background(), "t", Event[int]{}))
	sub.Unsubscribe()

	var zero Subscription
	zero.Unsubscribe()
}
