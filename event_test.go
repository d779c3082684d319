package relay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEventBusDispatch 已订阅的事件异步送达处理器
func TestEventBusDispatch(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	got := make(chan Event, 1)
	eb.Subscribe(EventRoomJoined, func(e Event) { got <- e })

	eb.Publish(Event{Type: EventRoomJoined, RoomID: "lobby"})

	select {
	case e := <-got:
		assert.Equal(t, "lobby", e.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	// 无订阅者的事件直接返回，不计入丢弃
	eb.Publish(Event{Type: EventDedupHit})
	assert.Zero(t, eb.DroppedEventCount())
}

// TestEventBusClosedPublishIgnored 关闭后的发布被忽略
func TestEventBusClosedPublishIgnored(t *testing.T) {
	eb := NewEventBus()

	var handled atomic.Int32
	eb.Subscribe(EventChannelClosed, func(Event) { handled.Add(1) })

	eb.Close()
	eb.Publish(Event{Type: EventChannelClosed})

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, handled.Load())
}

// TestEventBusCriticalClassification 关键事件的判定
func TestEventBusCriticalClassification(t *testing.T) {
	assert.True(t, critical(EventChannelOpened))
	assert.True(t, critical(EventChannelClosed))
	assert.True(t, critical(EventDeliveryFailed))
	assert.False(t, critical(EventRoomJoined))
	assert.False(t, critical(EventDedupHit))
}
