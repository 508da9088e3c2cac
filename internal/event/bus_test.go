package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSpecificAndWildcardHandlers(t *testing.T) {
	bus := NewBus()

	var specific, wildcard []string
	bus.Subscribe("worker.started", func(e Event) { specific = append(specific, e.EventType()) })
	bus.SubscribeAll(func(e Event) { wildcard = append(wildcard, e.EventType()) })

	bus.Publish(NewWorkerStartedEvent("r1", "w1", "t1", "b1"))
	bus.Publish(NewPhaseChangedEvent("r1", 1, "running", "merging"))

	require.Equal(t, []string{"worker.started"}, specific)
	require.Equal(t, []string{"worker.started", "phase.changed"}, wildcard)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	var calls int
	id := bus.Subscribe("worker.started", func(e Event) { calls++ })
	bus.Publish(NewWorkerStartedEvent("r1", "w1", "t1", "b1"))
	require.Equal(t, 1, calls)

	require.True(t, bus.Unsubscribe(id))
	bus.Publish(NewWorkerStartedEvent("r1", "w1", "t1", "b1"))
	require.Equal(t, 1, calls)

	require.False(t, bus.Unsubscribe(id))
}

func TestPublishRecoversFromHandlerPanic(t *testing.T) {
	bus := NewBus()

	var afterPanicCalled bool
	bus.Subscribe("worker.started", func(e Event) { panic("boom") })
	bus.Subscribe("worker.started", func(e Event) { afterPanicCalled = true })

	require.NotPanics(t, func() {
		bus.Publish(NewWorkerStartedEvent("r1", "w1", "t1", "b1"))
	})
	require.True(t, afterPanicCalled)
}

func TestClearRemovesAllSubscriptions(t *testing.T) {
	bus := NewBus()

	var calls int
	bus.SubscribeAll(func(e Event) { calls++ })
	bus.Clear()
	bus.Publish(NewWorkerStartedEvent("r1", "w1", "t1", "b1"))

	require.Equal(t, 0, calls)
}

func TestEventTimestampIsSet(t *testing.T) {
	evt := NewWorkerCompletedEvent("r1", "w1", "t1", true, "")
	require.False(t, evt.Timestamp().IsZero())
	require.Equal(t, "worker.completed", evt.EventType())
}
