package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelState 通道状态
type ChannelState int32

const (
	// StateConnecting 通道已创建但尚未注册完成
	StateConnecting ChannelState = iota
	// StateOpen 通道可收发
	StateOpen
	// StateClosing 通道正在关闭
	StateClosing
	// StateClosed 通道已关闭
	StateClosed
)

// String 返回状态名称
func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Channel 通道句柄，包装一条已建立的全双工连接
// 所有出站数据经由唯一的写协程串行化，保证单接收方的消息顺序。
type Channel struct {
	ID        string
	engine    *Engine
	transport Transport

	// 发送队列
	send     chan []byte
	sendHigh chan []byte // 高优先级队列（探测、确认、错误帧）

	// 状态
	state   atomic.Int32
	lastAck atomic.Int64 // 最近一次探测应答时间（UnixNano）

	// 已加入的房间
	rooms sync.Map // roomID -> struct{}

	// 限流
	invalidFrames atomic.Int32

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writeDone chan struct{}
}

// newChannel 创建通道句柄
func newChannel(engine *Engine, transport Transport) *Channel {
	ctx, cancel := context.WithCancel(engine.ctx)

	c := &Channel{
		ID:        generateChannelID(),
		engine:    engine,
		transport: transport,
		send:      make(chan []byte, engine.config.SendQueueSize),
		sendHigh:  make(chan []byte, engine.config.HighPriorityQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastAck.Store(engine.clock.Now().UnixNano())
	return c
}

// State 当前状态
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// LastLivenessAck 最近一次探测应答时间
func (c *Channel) LastLivenessAck() time.Time {
	return time.Unix(0, c.lastAck.Load())
}

// IsOpen 是否可收发
func (c *Channel) IsOpen() bool {
	return c.State() == StateOpen
}

// writeLoop 写协程，通道的唯一写者
func (c *Channel) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case <-c.ctx.Done():
			return

		case data, ok := <-c.sendHigh:
			if !ok {
				return
			}
			if !c.write(data) {
				return
			}

		case data, ok := <-c.send:
			if !ok {
				return
			}
			if !c.write(data) {
				return
			}
		}
	}
}

// write 写入传输层，返回 false 表示通道应当退出
func (c *Channel) write(data []byte) bool {
	err := c.transport.Send(data)
	if err == nil {
		return true
	}

	// 背压只丢弃当前帧，不终止通道
	if errors.Is(err, ErrBackpressure) {
		c.engine.metrics.IncrementDroppedFrames()
		return true
	}

	c.Close()
	return false
}

// push 入队普通消息（非阻塞）
func (c *Channel) push(data []byte) error {
	if c.State() != StateOpen {
		return ErrChannelClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// pushHigh 入队高优先级消息
func (c *Channel) pushHigh(data []byte) error {
	if s := c.State(); s != StateOpen && s != StateClosing {
		return ErrChannelClosed
	}

	select {
	case c.sendHigh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// pushFrame 编码并入队
func (c *Channel) pushFrame(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	switch f.Kind {
	case KindProbe, KindProbeAck, KindAck, KindError:
		return c.pushHigh(data)
	default:
		return c.push(data)
	}
}

// Receive 传输适配器为每个入站帧调用此方法
func (c *Channel) Receive(data []byte) {
	c.engine.handleInbound(c, data)
}

// TransportClosed 传输适配器在底层连接断开时调用此方法
func (c *Channel) TransportClosed() {
	c.Close()
}

// Close 关闭通道，幂等
// 房间成员、待投递消息与探测状态的清理与关闭同步完成，
// 保证不会有定时器回调命中已销毁的通道。
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()

		c.engine.handleChannelClosed(c)

		_ = c.transport.Close()
		c.state.Store(int32(StateClosed))

		// 等待写协程退出后再关闭队列，超时兜底写协程未启动的情况
		go func() {
			select {
			case <-c.writeDone:
			case <-time.After(5 * time.Second):
			}
			close(c.send)
			close(c.sendHigh)
		}()
	})
}
