package events

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil, hclog.NewNullLogger())

	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	bus.Publish(TypeScanCompleted, "scanned /media", "info")

	select {
	case event := <-ch:
		assert.Equal(t, TypeScanCompleted, event.Type)
		assert.Equal(t, "scanned /media", event.Details)
		assert.NotEmpty(t, event.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil, hclog.NewNullLogger())

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(TypeScanCompleted, "late", "info")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil, hclog.NewNullLogger())

	id, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		// Overflow the subscriber buffer without ever reading.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(TypeFileChanged, "change", "info")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(nil, hclog.NewNullLogger())

	idA, chA := bus.Subscribe()
	idB, chB := bus.Subscribe()
	defer bus.Unsubscribe(idA)
	defer bus.Unsubscribe(idB)

	bus.Publish(TypeSessionCompleted, "done", "info")

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case event := <-ch:
			require.Equal(t, TypeSessionCompleted, event.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}
