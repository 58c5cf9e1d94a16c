package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hightd-agent/pkg/models"
)

func TestSubscribeReceivesOnlyLaterEvents(t *testing.T) {
	bus := NewEventBus()
	bus.Emit(models.NewEvent(models.EventStatus, "before"))

	var got []string
	unsub := bus.Subscribe(func(ev models.Event) {
		got = append(got, ev.Message)
	})
	defer unsub()

	bus.Emit(models.NewEvent(models.EventStatus, "first"))
	bus.Emit(models.NewEvent(models.EventLog, "second"))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	bus := NewEventBus()

	count := 0
	unsub := bus.Subscribe(func(models.Event) { count++ })

	bus.Emit(models.NewEvent(models.EventStatus, "one"))
	unsub()
	unsub()
	bus.Emit(models.NewEvent(models.EventStatus, "two"))

	assert.Equal(t, 1, count)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewEventBus()

	bus.Subscribe(func(models.Event) { panic("boom") })
	received := false
	bus.Subscribe(func(models.Event) { received = true })

	require.NotPanics(t, func() {
		bus.Emit(models.NewEvent(models.EventError, "x"))
	})
	assert.True(t, received)
}

func TestClearDropsAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	count := 0
	bus.Subscribe(func(models.Event) { count++ })
	bus.Clear()
	bus.Emit(models.NewEvent(models.EventStatus, "gone"))

	assert.Zero(t, count)
}
