package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "relay.engine"

// Engine 会话路由器，核心组件的顶层门面
// 持有通道的生命周期：协作方交来已建立的连接，引擎注册存活探测、
// 按帧类型分发入站消息，并在通道关闭时完成全部清理。
type Engine struct {
	// 核心组件
	pool     *channelPool
	rooms    *roomRegistry
	monitor  *livenessMonitor
	delivery *deliveryQueue
	dedup    DedupStore
	events   *EventBus

	// 配置与基础设施
	config  *Config
	logger  *zap.Logger
	metrics Metrics
	clock   clock.Clock
	tracer  trace.Tracer

	// 生命周期
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	runOnce sync.Once
	closed  atomic.Bool
	wg      sync.WaitGroup

	// 投递失败回调
	failureMu        sync.RWMutex
	onDeliveryFailed []func(messageID uuid.UUID, payload []byte)
}

// New 创建引擎
func New(opts ...Option) (*Engine, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.DedupStore == nil {
		config.DedupStore = NewMemoryDedup(config.DedupWindowSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		config:  config,
		dedup:   config.DedupStore,
		events:  NewEventBus(),
		logger:  config.Logger,
		metrics: config.Metrics,
		clock:   config.Clock,
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.pool = newChannelPool(config.MaxChannels)
	e.rooms = newRoomRegistry(config)
	e.monitor = newLivenessMonitor(e)
	e.delivery = newDeliveryQueue(e)

	return e, nil
}

// Run 启动后台循环（存活探测、重试扫描）
func (e *Engine) Run() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.runOnce.Do(func() {
		g, gctx := errgroup.WithContext(e.ctx)
		g.Go(func() error { return e.monitor.run(gctx) })
		g.Go(func() error { return e.delivery.run(gctx) })
		e.group = g
	})
	return nil
}

// Shutdown 优雅关闭
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()

	// 并发关闭所有通道
	var closeWg sync.WaitGroup
	e.pool.Range(func(c *Channel) bool {
		closeWg.Add(1)
		go func(c *Channel) {
			defer closeWg.Done()
			c.Close()
		}(c)
		return true
	})

	channelsDone := make(chan struct{})
	go func() {
		closeWg.Wait()
		close(channelsDone)
	}()

	select {
	case <-channelsDone:
	case <-ctx.Done():
		// 超时，继续等待 goroutine 清理
	}

	done := make(chan struct{})
	go func() {
		if e.group != nil {
			_ = e.group.Wait()
		}
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.events.Close()
	_ = e.dedup.Close()
	return err
}

// OnChannelEstablished 接管一条协作方建立好的连接
// 分配通道 ID、加入通道池并注册存活探测，状态进入 Open。
func (e *Engine) OnChannelEstablished(t Transport) (*Channel, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	c := newChannel(e, t)
	if err := e.pool.Add(c); err != nil {
		// 注销挂在引擎上下文下的子上下文，拒绝路径不留常驻状态
		c.cancel()
		_ = t.Close()
		return nil, err
	}
	c.state.Store(int32(StateOpen))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		c.writeLoop()
	}()

	e.metrics.IncrementChannels()
	e.metrics.SetChannelCount(e.pool.Count())
	e.events.Publish(Event{
		Type:      EventChannelOpened,
		ChannelID: c.ID,
		Time:      e.clock.Now(),
	})
	e.logger.Debug("channel established", zap.String("channel_id", c.ID))

	return c, nil
}

// handleChannelClosed 通道关闭时的清理，与 Channel.Close 同步执行
// 顺序：房间成员 -> 待投递消息 -> 探测状态 -> 通道池。
func (e *Engine) handleChannelClosed(c *Channel) {
	left := e.rooms.LeaveAll(c)
	e.delivery.CancelChannel(c.ID)
	e.monitor.forget(c.ID)
	e.pool.Remove(c.ID)

	e.metrics.DecrementChannels()
	e.metrics.SetChannelCount(e.pool.Count())
	e.events.Publish(Event{
		Type:      EventChannelClosed,
		ChannelID: c.ID,
		Time:      e.clock.Now(),
	})
	e.logger.Debug("channel closed",
		zap.String("channel_id", c.ID),
		zap.Strings("rooms", left))
}

// handleInbound 解析并分发一个入站帧
// 畸形帧以结构化错误帧回应发送方，从不越过分发边界传播。
func (e *Engine) handleInbound(c *Channel, data []byte) {
	ctx, span := e.tracer.Start(e.ctx, "relay.dispatch",
		trace.WithAttributes(attribute.String("channel.id", c.ID)))
	defer span.End()

	f, err := DecodeFrame(data, e.config.MaxFrameSize)
	if err != nil {
		span.SetStatus(otelcodes.Error, err.Error())
		e.rejectFrame(c, err)
		return
	}
	c.invalidFrames.Store(0)

	span.SetAttributes(attribute.String("frame.kind", f.Kind.String()))
	e.metrics.IncrementFramesReceived(f.Kind.String())

	switch f.Kind {
	case KindJoin:
		e.handleJoin(c, f)
	case KindLeave:
		e.handleLeave(c, f)
	case KindRoomMsg:
		e.handleRoomMsg(c, f, data)
	case KindReliableMsg:
		e.handleReliableMsg(ctx, c, f)
	case KindAck:
		e.handleAck(c, f)
	case KindProbe:
		// 对端探测，原样回应探测标识
		if f.HasMessageID {
			_ = c.pushFrame(newProbeAckFrame(f.MessageID))
		}
	case KindProbeAck:
		if f.HasMessageID {
			e.monitor.handleAck(c, f.MessageID)
		}
	case KindError:
		e.logger.Warn("error frame from peer",
			zap.String("channel_id", c.ID),
			zap.ByteString("body", f.Payload))
	}
}

// rejectFrame 回应畸形帧并累计无效帧计数
func (e *Engine) rejectFrame(c *Channel, cause error) {
	e.metrics.IncrementInvalidFrames()

	count := c.invalidFrames.Add(1)
	if count > e.config.MaxInvalidFrames {
		e.logger.Warn("too many invalid frames, closing channel",
			zap.String("channel_id", c.ID),
			zap.Int32("count", count))
		c.Close()
		return
	}

	code := 400
	if errors.Is(cause, ErrFrameTooLarge) {
		code = 413
	}
	_ = c.pushFrame(newErrorFrame(code, cause.Error(), e.clock.Now()))
}

// handleJoin 处理加入房间
func (e *Engine) handleJoin(c *Channel, f *Frame) {
	if f.RoomID == "" {
		e.rejectFrame(c, ErrMissingRoomID)
		return
	}
	if err := e.rooms.Join(c, f.RoomID, e.clock.Now()); err != nil {
		_ = c.pushFrame(newErrorFrame(409, err.Error(), e.clock.Now()))
		return
	}
	e.events.Publish(Event{
		Type:      EventRoomJoined,
		ChannelID: c.ID,
		RoomID:    f.RoomID,
		Time:      e.clock.Now(),
	})
}

// handleLeave 处理离开房间
func (e *Engine) handleLeave(c *Channel, f *Frame) {
	if f.RoomID == "" {
		e.rejectFrame(c, ErrMissingRoomID)
		return
	}
	e.rooms.Leave(c, f.RoomID)
	e.events.Publish(Event{
		Type:      EventRoomLeft,
		ChannelID: c.ID,
		RoomID:    f.RoomID,
		Time:      e.clock.Now(),
	})
}

// handleRoomMsg 处理房间广播消息，原始帧字节直接转发给其他成员
func (e *Engine) handleRoomMsg(c *Channel, f *Frame, wire []byte) {
	if f.RoomID == "" {
		e.rejectFrame(c, ErrMissingRoomID)
		return
	}
	if err := e.rooms.Broadcast(f.RoomID, wire, c.ID); err != nil {
		e.logger.Warn("room broadcast incomplete",
			zap.String("room_id", f.RoomID), zap.Error(err))
	}
}

// handleReliableMsg 处理可靠消息
// 按发送方的消息 ID 去重：重复帧只补发确认，不重复应用；
// 新消息确认发送方后镜像到各接收方的投递管线（每个接收方独立的消息 ID）。
func (e *Engine) handleReliableMsg(ctx context.Context, c *Channel, f *Frame) {
	if !f.HasMessageID {
		e.rejectFrame(c, ErrMissingMessageID)
		return
	}
	if f.RoomID == "" {
		e.rejectFrame(c, ErrMissingRoomID)
		return
	}

	seen, err := e.dedup.Seen(ctx, f.MessageID)
	if err != nil {
		e.logger.Error("dedup check failed", zap.Error(err))
		_ = c.pushFrame(newErrorFrame(500, "dedup unavailable", e.clock.Now()))
		return
	}
	if seen {
		e.metrics.IncrementDedupHits()
		e.events.Publish(Event{
			Type:      EventDedupHit,
			ChannelID: c.ID,
			RoomID:    f.RoomID,
			Data:      f.MessageID,
			Time:      e.clock.Now(),
		})
		_ = c.pushFrame(newAckFrame(f.MessageID))
		return
	}

	_ = c.pushFrame(newAckFrame(f.MessageID))

	for _, member := range e.rooms.MembersOf(f.RoomID) {
		if member.ID == c.ID || !member.IsOpen() {
			continue
		}
		if _, err := e.delivery.Enqueue(member.ID, f.RoomID, f.Payload); err != nil {
			e.logger.Error("reliable mirror enqueue failed",
				zap.String("channel_id", member.ID), zap.Error(err))
		}
	}
}

// handleAck 处理投递确认
func (e *Engine) handleAck(c *Channel, f *Frame) {
	if !f.HasMessageID {
		e.rejectFrame(c, ErrMissingMessageID)
		return
	}
	e.delivery.Acknowledge(f.MessageID)
}

// notifyDeliveryFailed 投递失败通知，每条失败消息恰好触发一次
func (e *Engine) notifyDeliveryFailed(de *DeliveryError) {
	e.metrics.IncrementDeliveryDiscards()
	e.logger.Info("delivery failed",
		zap.String("message_id", de.MessageID.String()),
		zap.String("channel_id", de.ChannelID),
		zap.Int("attempts", de.Attempts),
		zap.String("reason", string(de.Reason)))

	e.events.Publish(Event{
		Type:      EventDeliveryFailed,
		ChannelID: de.ChannelID,
		Data:      de,
		Time:      e.clock.Now(),
	})

	e.failureMu.RLock()
	callbacks := e.onDeliveryFailed
	e.failureMu.RUnlock()
	for _, cb := range callbacks {
		cb(de.MessageID, de.Payload)
	}
}

// ---- 调用方 API ----

// JoinRoom 将通道加入房间（幂等）
func (e *Engine) JoinRoom(channelID, roomID string) error {
	c, ok := e.pool.Get(channelID)
	if !ok {
		return ErrChannelNotFound
	}
	return e.rooms.Join(c, roomID, e.clock.Now())
}

// LeaveRoom 将通道移出房间，非成员为空操作
func (e *Engine) LeaveRoom(channelID, roomID string) error {
	c, ok := e.pool.Get(channelID)
	if !ok {
		return ErrChannelNotFound
	}
	e.rooms.Leave(c, roomID)
	return nil
}

// BroadcastToRoom 向房间广播载荷，可选排除某个发送方
func (e *Engine) BroadcastToRoom(roomID string, payload []byte, excludeChannelID string) error {
	f := &Frame{Kind: KindRoomMsg, RoomID: roomID, Payload: payload}
	wire, err := f.Encode()
	if err != nil {
		return err
	}
	return e.rooms.Broadcast(roomID, wire, excludeChannelID)
}

// SendReliable 向目标通道发送可靠消息，返回分配的消息 ID
func (e *Engine) SendReliable(channelID string, payload []byte) (uuid.UUID, error) {
	c, ok := e.pool.Get(channelID)
	if !ok {
		return uuid.Nil, ErrChannelNotFound
	}
	if !c.IsOpen() {
		return uuid.Nil, ErrChannelClosed
	}
	return e.delivery.Enqueue(channelID, "", payload)
}

// OnDeliveryFailed 注册投递失败回调，回调携带原始载荷
func (e *Engine) OnDeliveryFailed(fn func(messageID uuid.UUID, payload []byte)) {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	e.onDeliveryFailed = append(e.onDeliveryFailed, fn)
}

// Subscribe 订阅引擎事件
func (e *Engine) Subscribe(eventType EventType, handler EventHandler) {
	e.events.Subscribe(eventType, handler)
}

// Channel 获取通道
func (e *Engine) Channel(channelID string) (*Channel, bool) {
	return e.pool.Get(channelID)
}

// ChannelCount 当前通道数
func (e *Engine) ChannelCount() int {
	return e.pool.Count()
}

// RoomCount 当前房间数
func (e *Engine) RoomCount() int {
	return e.rooms.RoomCount()
}

// RoomMembers 房间成员 ID（加入顺序）
func (e *Engine) RoomMembers(roomID string) []string {
	members := e.rooms.MembersOf(roomID)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

// PendingDeliveries 待投递消息数量
func (e *Engine) PendingDeliveries() int {
	return e.delivery.PendingCount()
}
