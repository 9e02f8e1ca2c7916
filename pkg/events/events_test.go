package events

import (
	"testing"
	"time"

	"github.com/cuemby/nebula/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&types.Event{Type: types.EventPut, Key: "/nodes/worker-1"})

	select {
	case evt := <-sub:
		assert.Equal(t, "/nodes/worker-1", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < cap(sub)+10; i++ {
		b.Publish(&types.Event{Type: types.EventPut, Key: "/x"})
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), cap(sub))
}
