package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *EventBus {
	t.Helper()
	bus, err := NewEventBus(4)
	require.NoError(t, err)
	t.Cleanup(bus.Stop)
	return bus
}

func TestEmitReachesSubscribers(t *testing.T) {
	bus := newBus(t)

	var wg sync.WaitGroup
	var calls atomic.Int32
	wg.Add(2)
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(EventSessionAdded, name, func(ctx context.Context, e Event) error {
			defer wg.Done()
			assert.Equal(t, "s1", e.Payload.(SessionPayload).SessionID)
			calls.Add(1)
			return nil
		})
	}

	bus.Emit(context.Background(), Event{Type: EventSessionAdded, Payload: SessionPayload{SessionID: "s1"}})
	wg.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmitSyncRunsInOrder(t *testing.T) {
	bus := newBus(t)

	var order []string
	bus.Subscribe(EventSessionClosed, "first", func(ctx context.Context, e Event) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	bus.Subscribe(EventSessionClosed, "second", func(ctx context.Context, e Event) error {
		order = append(order, "second")
		return nil
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventSessionClosed})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := newBus(t)

	done := make(chan struct{})
	bus.Subscribe(EventChatMessage, "panics", func(ctx context.Context, e Event) error {
		panic("bad handler")
	})
	bus.Subscribe(EventChatMessage, "ok", func(ctx context.Context, e Event) error {
		close(done)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventChatMessage})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}

	assert.Error(t, bus.EmitSync(context.Background(), Event{Type: EventChatMessage}))
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus, err := NewEventBus(0)
	require.NoError(t, err)

	var calls atomic.Int32
	bus.Subscribe(EventBanAdded, "counter", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(EventBanAdded))

	bus.Unsubscribe(EventBanAdded, "counter")
	assert.Equal(t, 0, bus.HandlerCount(EventBanAdded))
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventBanAdded}))

	bus.Stop()
	bus.Stop()
	<-bus.StopCh()

	bus.Emit(context.Background(), Event{Type: EventBanAdded})
	assert.Zero(t, calls.Load())
}
