package relay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageStatus 待投递消息状态
type MessageStatus int

const (
	// StatusPending 等待确认
	StatusPending MessageStatus = iota
	// StatusAcknowledged 已确认
	StatusAcknowledged
	// StatusDiscarded 重试耗尽或目标关闭后丢弃
	StatusDiscarded
)

// pendingMessage 待投递消息
type pendingMessage struct {
	id         uuid.UUID
	channelID  string
	roomID     string
	payload    []byte
	wire       []byte // 编码后的可靠消息帧
	attempt    int
	enqueuedAt time.Time
	deadline   time.Time
	status     MessageStatus
}

// targetQueue 单个目标通道的投递管线
// 队首是唯一的在途消息，后续消息排队等待，保证按入队顺序投递。
type targetQueue struct {
	mu      sync.Mutex
	pending []*pendingMessage
}

const deliveryShardCount = 16

// deliveryShard 按消息 ID 分片的索引
type deliveryShard struct {
	mu   sync.RWMutex
	msgs map[uuid.UUID]*pendingMessage
}

// deliveryQueue 可靠投递队列
// 每条消息入队即尝试首次投递，之后按截止时间堆驱动重试，
// 达到最大次数仍未确认则丢弃并通知调用方。
type deliveryQueue struct {
	engine        *Engine
	clk           clock.Clock
	maxAttempts   int
	retryInterval time.Duration

	shards  [deliveryShardCount]*deliveryShard
	targets sync.Map // channelID -> *targetQueue

	heapMu sync.Mutex
	heap   *retryHeap
}

// newDeliveryQueue 创建投递队列
func newDeliveryQueue(engine *Engine) *deliveryQueue {
	d := &deliveryQueue{
		engine:        engine,
		clk:           engine.clock,
		maxAttempts:   engine.config.MaxDeliveryAttempts,
		retryInterval: engine.config.DeliveryRetryInterval,
		heap:          newRetryHeap(),
	}
	for i := range d.shards {
		d.shards[i] = &deliveryShard{msgs: make(map[uuid.UUID]*pendingMessage)}
	}
	return d
}

// shardFor 计算消息所在分片
func (d *deliveryQueue) shardFor(id uuid.UUID) *deliveryShard {
	return d.shards[int(id[0])%deliveryShardCount]
}

// queueFor 获取或创建目标管线
func (d *deliveryQueue) queueFor(channelID string) *targetQueue {
	value, _ := d.targets.LoadOrStore(channelID, &targetQueue{})
	return value.(*targetQueue)
}

// Enqueue 创建待投递消息并立即发起首次投递
func (d *deliveryQueue) Enqueue(channelID, roomID string, payload []byte) (uuid.UUID, error) {
	id := generateMessageID()
	frame := &Frame{
		Kind:         KindReliableMsg,
		MessageID:    id,
		HasMessageID: true,
		RoomID:       roomID,
		Payload:      payload,
	}
	wire, err := frame.Encode()
	if err != nil {
		return uuid.Nil, err
	}

	pm := &pendingMessage{
		id:         id,
		channelID:  channelID,
		roomID:     roomID,
		payload:    payload,
		wire:       wire,
		enqueuedAt: d.clk.Now(),
		status:     StatusPending,
	}

	shard := d.shardFor(id)
	shard.mu.Lock()
	shard.msgs[id] = pm
	shard.mu.Unlock()

	tq := d.queueFor(channelID)
	tq.mu.Lock()
	tq.pending = append(tq.pending, pm)
	if len(tq.pending) == 1 {
		d.transmitLocked(pm)
	}
	tq.mu.Unlock()

	return id, nil
}

// transmitLocked 发起一次投递尝试，调用方持有目标管线锁
// 传输失败（背压、队列满）不终止重试管线，只等待下一次截止时间。
func (d *deliveryQueue) transmitLocked(pm *pendingMessage) {
	pm.attempt++
	pm.deadline = d.clk.Now().Add(d.retryInterval)

	d.heapMu.Lock()
	d.heap.Add(pm.id, pm.deadline)
	d.heapMu.Unlock()

	d.engine.metrics.IncrementDeliveryAttempts()

	if c, ok := d.engine.pool.Get(pm.channelID); ok {
		if err := c.push(pm.wire); err != nil {
			d.engine.logger.Debug("delivery attempt not sent",
				zap.String("message_id", pm.id.String()),
				zap.String("channel_id", pm.channelID),
				zap.Int("attempt", pm.attempt),
				zap.Error(err))
		}
	}
}

// Acknowledge 确认消息，未知或已移除的消息 ID 为空操作
func (d *deliveryQueue) Acknowledge(id uuid.UUID) {
	shard := d.shardFor(id)
	shard.mu.RLock()
	pm, ok := shard.msgs[id]
	shard.mu.RUnlock()
	if !ok {
		return
	}

	tq := d.queueFor(pm.channelID)
	tq.mu.Lock()
	if pm.status != StatusPending {
		tq.mu.Unlock()
		return
	}
	pm.status = StatusAcknowledged
	d.removeLocked(tq, pm)
	tq.mu.Unlock()

	shard.mu.Lock()
	delete(shard.msgs, id)
	shard.mu.Unlock()

	d.engine.metrics.IncrementDeliveryAcks()
	d.engine.events.Publish(Event{
		Type:      EventDeliveryAcked,
		ChannelID: pm.channelID,
		RoomID:    pm.roomID,
		Data:      id,
		Time:      d.clk.Now(),
	})
}

// removeLocked 从管线移除消息；若移除的是队首则发起下一条消息的首次投递
func (d *deliveryQueue) removeLocked(tq *targetQueue, pm *pendingMessage) {
	for i, queued := range tq.pending {
		if queued.id != pm.id {
			continue
		}
		wasHead := i == 0
		tq.pending = append(tq.pending[:i], tq.pending[i+1:]...)
		if wasHead && len(tq.pending) > 0 {
			d.transmitLocked(tq.pending[0])
		}
		return
	}
}

// Tick 处理所有到期的重试截止时间
func (d *deliveryQueue) Tick() {
	now := d.clk.Now()

	d.heapMu.Lock()
	due := d.heap.PopDue(now)
	d.heapMu.Unlock()

	var failed []*DeliveryError
	for _, entry := range due {
		shard := d.shardFor(entry.messageID)
		shard.mu.RLock()
		pm, ok := shard.msgs[entry.messageID]
		shard.mu.RUnlock()
		if !ok {
			continue
		}

		tq := d.queueFor(pm.channelID)
		tq.mu.Lock()
		// 已确认、已丢弃或已被重新调度的条目视为过期
		if pm.status != StatusPending || !pm.deadline.Equal(entry.deadline) {
			tq.mu.Unlock()
			continue
		}

		if pm.attempt >= d.maxAttempts {
			pm.status = StatusDiscarded
			d.removeLocked(tq, pm)
			tq.mu.Unlock()

			shard.mu.Lock()
			delete(shard.msgs, pm.id)
			shard.mu.Unlock()

			failed = append(failed, &DeliveryError{
				MessageID: pm.id,
				ChannelID: pm.channelID,
				Payload:   pm.payload,
				Attempts:  pm.attempt,
				Reason:    FailureMaxAttempts,
			})
			continue
		}

		d.transmitLocked(pm)
		tq.mu.Unlock()
	}

	// 回调在所有锁释放后触发
	for _, f := range failed {
		d.engine.notifyDeliveryFailed(f)
	}
}

// CancelChannel 丢弃目标通道的全部待投递消息
// 通道关闭时调用，丢弃同样产生投递失败通知，失败从不静默。
func (d *deliveryQueue) CancelChannel(channelID string) {
	value, ok := d.targets.LoadAndDelete(channelID)
	if !ok {
		return
	}
	tq := value.(*targetQueue)

	tq.mu.Lock()
	cancelled := tq.pending
	tq.pending = nil
	for _, pm := range cancelled {
		pm.status = StatusDiscarded
		shard := d.shardFor(pm.id)
		shard.mu.Lock()
		delete(shard.msgs, pm.id)
		shard.mu.Unlock()
	}
	tq.mu.Unlock()

	for _, pm := range cancelled {
		d.engine.notifyDeliveryFailed(&DeliveryError{
			MessageID: pm.id,
			ChannelID: pm.channelID,
			Payload:   pm.payload,
			Attempts:  pm.attempt,
			Reason:    FailureChannelClosed,
		})
	}
}

// PendingCount 待投递消息数量（监控用）
func (d *deliveryQueue) PendingCount() int {
	count := 0
	for _, shard := range d.shards {
		shard.mu.RLock()
		count += len(shard.msgs)
		shard.mu.RUnlock()
	}
	return count
}

// run 重试扫描循环
func (d *deliveryQueue) run(ctx context.Context) error {
	ticker := d.clk.Ticker(d.engine.config.DeliveryTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick()
		}
	}
}
