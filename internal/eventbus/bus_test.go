package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutAndDrop(t *testing.T) {
	bus := New()
	a, unsubA := bus.Subscribe(1)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	Publish(bus, SinkDelivered, Delivery{Sink: "log"})
	Publish(bus, SinkFailed, Delivery{Sink: "log", Error: "x"})

	ev := <-a
	assert.Equal(t, SinkDelivered, ev.Type)
	assert.False(t, ev.Time.IsZero())
	require.Len(t, b, 2)
	assert.EqualValues(t, 1, Dropped(bus))

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	Publish(bus, TaskQueued, nil)
	assert.Len(t, b, 3)
}

func TestPublishNilBus(t *testing.T) {
	Publish(nil, TaskQueued, nil)
}
