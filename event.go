package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventChannelOpened 通道建立
	EventChannelOpened EventType = "channel.opened"
	// EventChannelClosed 通道关闭
	EventChannelClosed EventType = "channel.closed"
	// EventRoomJoined 加入房间
	EventRoomJoined EventType = "room.joined"
	// EventRoomLeft 离开房间
	EventRoomLeft EventType = "room.left"
	// EventProbeTimeout 存活探测超时
	EventProbeTimeout EventType = "probe.timeout"
	// EventDeliveryAcked 投递已确认
	EventDeliveryAcked EventType = "delivery.acked"
	// EventDeliveryFailed 投递失败（重试耗尽或目标关闭）
	EventDeliveryFailed EventType = "delivery.failed"
	// EventDedupHit 重复可靠消息被去重
	EventDedupHit EventType = "dedup.hit"
)

// Event 事件
type Event struct {
	Type      EventType
	ChannelID string
	RoomID    string
	Data      any
	Time      time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

const (
	eventBusWorkers = 10
	eventBusBuffer  = 1000

	// 关键事件入队的最长等待时间
	criticalEnqueueWait = 100 * time.Millisecond
)

// EventBus 事件总线
// 处理器在固定规模的工作协程池里异步执行，队列写满时丢弃事件并计数；
// 生命周期与投递失败属于关键事件，入队改用带超时的阻塞写，尽量不丢。
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler

	tasks   chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		tasks:    make(chan func(), eventBusBuffer),
		quit:     make(chan struct{}),
	}

	eb.wg.Add(eventBusWorkers)
	for i := 0; i < eventBusWorkers; i++ {
		go eb.worker()
	}
	return eb
}

// worker 执行排队的处理器调用
func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.tasks:
			task()
		case <-eb.quit:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// critical 是否为不允许轻易丢弃的事件
func critical(t EventType) bool {
	switch t {
	case EventChannelOpened, EventChannelClosed, EventDeliveryFailed:
		return true
	}
	return false
}

// Publish 异步发布事件
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		h := handler
		task := func() { h(event) }

		if critical(event.Type) {
			select {
			case eb.tasks <- task:
			case <-time.After(criticalEnqueueWait):
				eb.dropped.Add(1)
			}
			continue
		}

		select {
		case eb.tasks <- task:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close 关闭事件总线
// tasks 通道保持打开，并发中的 Publish 不会写已关闭的通道。
func (eb *EventBus) Close() {
	eb.closed.Store(true)
	close(eb.quit)
	eb.wg.Wait()
}

// DroppedEventCount 被丢弃的事件数量
func (eb *EventBus) DroppedEventCount() int64 {
	return eb.dropped.Load()
}
