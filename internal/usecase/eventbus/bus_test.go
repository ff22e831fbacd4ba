package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

func event(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	bus.Subscribe(domain.EventMessageApproved, func(_ context.Context, e domain.Event) {
		require.Equal(t, domain.EventMessageApproved, e.Type)
		seen.Add(1)
	})

	bus.Publish(context.Background(), event(domain.EventMessageApproved))
	bus.Publish(context.Background(), event(domain.EventMessageSent)) // different type, not delivered
	bus.Close()

	require.EqualValues(t, 1, seen.Load())
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	bus.SubscribeAll(func(context.Context, domain.Event) { seen.Add(1) })

	bus.Publish(context.Background(), event(domain.EventMessageSent))
	bus.Publish(context.Background(), event(domain.EventAgentSeen))
	bus.Publish(context.Background(), event(domain.EventBridgeConnected))
	bus.Close()

	require.EqualValues(t, 3, seen.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageExpired, func(context.Context, domain.Event) { seen.Add(1) })

	bus.Publish(context.Background(), event(domain.EventMessageExpired))
	unsub()
	unsub() // second call is a no-op
	bus.Publish(context.Background(), event(domain.EventMessageExpired))
	bus.Close()

	require.EqualValues(t, 1, seen.Load())
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	bus.Subscribe(domain.EventMessageSent, func(context.Context, domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventMessageSent, func(context.Context, domain.Event) { seen.Add(1) })

	bus.Publish(context.Background(), event(domain.EventMessageSent))
	bus.Close()

	require.EqualValues(t, 1, seen.Load())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	bus.SubscribeAll(func(context.Context, domain.Event) { seen.Add(1) })

	bus.Close()
	bus.Close() // idempotent
	bus.Publish(context.Background(), event(domain.EventMessageSent))

	require.EqualValues(t, 0, seen.Load())
}

func TestConcurrentPublishers(t *testing.T) {
	bus := New(slog.Default())

	var seen atomic.Int32
	bus.Subscribe(domain.EventAgentSeen, func(context.Context, domain.Event) { seen.Add(1) })

	const publishers = 8
	const perPublisher = 50
	done := make(chan struct{}, publishers)
	for range publishers {
		go func() {
			for range perPublisher {
				bus.Publish(context.Background(), event(domain.EventAgentSeen))
			}
			done <- struct{}{}
		}()
	}
	for range publishers {
		<-done
	}
	bus.Close()

	require.EqualValues(t, publishers*perPublisher, seen.Load())
}
