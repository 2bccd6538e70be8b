package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
	return Event[T]{}
}

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)
	broker.Publish(UpdatedEvent, "run-1")

	ev := receive(t, ch)
	require.Equal(t, "run-1", ev.Payload)
	require.Equal(t, UpdatedEvent, ev.Type)
	require.False(t, ev.Timestamp.IsZero())
}

func TestBroker_SubscribeWhere_FiltersEvents(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.SubscribeWhere(ctx, func(ev Event[string]) bool { return ev.Payload == "wanted" })
	broker.Publish(CreatedEvent, "other")
	broker.Publish(CreatedEvent, "wanted")

	ev := receive(t, ch)
	require.Equal(t, "wanted", ev.Payload)

	select {
	case ev := <-ch:
		require.Failf(t, "unexpected event", "%v", ev)
	default:
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()
	chans := []<-chan Event[int]{broker.Subscribe(ctx), broker.Subscribe(ctx), broker.Subscribe(ctx)}
	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(FinishedEvent, 7)
	for _, ch := range chans {
		require.Equal(t, 7, receive(t, ch).Payload)
	}
}

func TestBroker_ContextCancellationClosesChannel(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	require.False(t, ok)
}

func TestBroker_PublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	_ = broker.Subscribe(context.Background())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(UpdatedEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a full subscriber")
	}
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	broker := NewBroker[string]()
	ch := broker.Subscribe(context.Background())
	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok)

	closed := broker.Subscribe(context.Background())
	_, ok = <-closed
	require.False(t, ok)
	broker.Publish(UpdatedEvent, "dropped")
}
