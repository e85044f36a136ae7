package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveMessage(t *testing.T, tab *Tab) BusMessage {
	t.Helper()
	select {
	case msg := <-tab.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no bus message arrived")
		return BusMessage{}
	}
}

func TestBus_PostReachesOtherTabsNotSender(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Join()
	b := bus.Join()
	c := bus.Join()

	a.Post(BusMessage{Kind: MsgRelayEvent, Payload: []byte("x")})

	for _, tab := range []*Tab{b, c} {
		msg := receiveMessage(t, tab)
		assert.Equal(t, MsgRelayEvent, msg.Kind)
		assert.Equal(t, a.ID(), msg.SenderID)
		assert.False(t, msg.Timestamp.IsZero())
	}

	select {
	case <-a.Messages():
		t.Fatal("sender received its own message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_DeliveryOrderPreserved(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Join()
	b := bus.Join()

	for i := 0; i < 10; i++ {
		a.Post(BusMessage{Kind: MsgRelayEvent, Payload: []byte(fmt.Sprintf("%d", i))})
	}
	for i := 0; i < 10; i++ {
		msg := receiveMessage(t, b)
		assert.Equal(t, fmt.Sprintf("%d", i), string(msg.Payload))
	}
}

func TestBus_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Join()
	b := bus.Join()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < tabQueueSize+10; i++ {
			a.Post(BusMessage{Kind: MsgRelayEvent})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posting blocked on a stalled consumer")
	}
	assert.Len(t, b.Messages(), tabQueueSize)
}

func TestBus_LeaveStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Join()
	b := bus.Join()
	require.Equal(t, 2, bus.Len())

	b.Leave()
	b.Leave() // idempotent
	assert.Equal(t, 1, bus.Len())

	select {
	case <-b.Done():
	default:
		t.Fatal("done channel not closed after leave")
	}

	a.Post(BusMessage{Kind: MsgRelayEvent})
	select {
	case <-b.Messages():
		t.Fatal("departed tab still received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_CloseDetachesAllTabs(t *testing.T) {
	bus := NewBus(nil)

	a := bus.Join()
	b := bus.Join()

	bus.Close()
	assert.Equal(t, 0, bus.Len())

	for _, tab := range []*Tab{a, b} {
		select {
		case <-tab.Done():
		default:
			t.Fatal("tab not released on bus close")
		}
	}
}
