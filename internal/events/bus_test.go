package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	b := NewBus()
	opened, unsubOpened := b.Subscribe(4, EventPositionOpened)
	defer unsubOpened()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(EventPositionOpened, "BTCUSDT")
	b.Publish(EventRiskAlert, "margin")

	select {
	case msg := <-opened:
		assert.Equal(t, EventPositionOpened, msg.Event)
		assert.Equal(t, "BTCUSDT", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	assert.Len(t, opened, 0)
	assert.Len(t, all, 2)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1, EventPositionClosed)
	defer unsub()

	b.Publish(EventPositionClosed, 1)
	b.Publish(EventPositionClosed, 2)

	assert.Equal(t, uint64(1), b.Dropped())
	msg := <-ch
	assert.Equal(t, 1, msg.Data)
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// publishing after unsubscribe must not panic on the closed channel
	b.Publish(EventSignalReceived, nil)
	var nilBus *Bus
	nilBus.Publish(EventSignalReceived, nil)
}
