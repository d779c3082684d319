package relay

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// CoordinatorState 重连协调器状态
type CoordinatorState int32

const (
	// StateConnected 已连接
	StateConnected CoordinatorState = iota
	// StateReconnecting 正在重连
	StateReconnecting
	// StateAbandoned 重连次数耗尽，终态
	StateAbandoned
)

// String 返回状态名称
func (s CoordinatorState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	BaseDelay      time.Duration // 首次重连延迟，默认 1s
	MaxDelay       time.Duration // 延迟上限，默认 30s
	Multiplier     float64       // 退避倍率，默认 2.0
	JitterRatio    float64       // 抖动比例，默认 0.1（±10%）
	MaxAttempts    int           // 最大重连次数，0 表示不限
	BufferCapacity int           // 出站缓冲容量，默认 256
	DialTimeout    time.Duration // 单次拨号超时，默认 10s

	Clock  clock.Clock
	Logger *zap.Logger
}

// withDefaults 填充默认值
func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.JitterRatio <= 0 {
		c.JitterRatio = 0.1
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 256
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Coordinator 客户端重连协调器
// 显式状态机：Connected -> (连接断开) -> Reconnecting -> (成功) -> Connected；
// Reconnecting -> (次数耗尽) -> Abandoned。
// 指数退避加抖动，避免大量客户端同步重连风暴；
// 断线期间的出站消息进入有界缓冲，重连成功后按原始顺序重放。
type Coordinator struct {
	dialer Dialer
	cfg    ReconnectConfig
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	state     CoordinatorState
	transport Transport
	attempts  int
	backoff   time.Duration
	buffer    [][]byte
	timer     *clock.Timer
	closed    bool

	onReconnected []func()
	onAbandoned   []func()
	onOverflow    []func(payload []byte)
}

// NewCoordinator 创建重连协调器
func NewCoordinator(dialer Dialer, cfg ReconnectConfig) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		dialer:  dialer,
		cfg:     cfg,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		state:   StateReconnecting,
		backoff: cfg.BaseDelay,
	}
}

// Connect 建立初始连接
func (c *Coordinator) Connect(ctx context.Context) error {
	t, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.state = StateConnected
	c.attempts = 0
	c.backoff = c.cfg.BaseDelay
	c.mu.Unlock()
	return nil
}

// State 当前状态
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts 当前重连尝试次数
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// CurrentBackoff 当前退避延迟（未含抖动）
func (c *Coordinator) CurrentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// BufferedCount 当前缓冲的出站消息数
func (c *Coordinator) BufferedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// OnReconnected 注册重连成功回调
func (c *Coordinator) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

// OnReconnectAbandoned 注册重连放弃回调
func (c *Coordinator) OnReconnectAbandoned(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAbandoned = append(c.onAbandoned, fn)
}

// OnBufferOverflow 注册缓冲溢出回调，参数为被淘汰的最旧载荷
func (c *Coordinator) OnBufferOverflow(fn func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOverflow = append(c.onOverflow, fn)
}

// Send 发送载荷
// 已连接时直接写传输层；断线期间进入有界缓冲；Abandoned 后拒绝。
func (c *Coordinator) Send(payload []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateAbandoned:
		c.mu.Unlock()
		return ErrReconnectAbandoned
	case StateReconnecting:
		evicted, overflowed := c.bufferLocked(payload)
		callbacks := c.onOverflow
		c.mu.Unlock()
		if overflowed {
			for _, cb := range callbacks {
				cb(evicted)
			}
		}
		return nil
	}

	t := c.transport
	c.mu.Unlock()

	if err := t.Send(payload); err != nil {
		// 写失败视为连接断开：缓冲本条消息并触发重连
		c.TransportClosed()
		return c.Send(payload)
	}
	return nil
}

// bufferLocked 缓冲载荷，容量满时淘汰最旧的一条
func (c *Coordinator) bufferLocked(payload []byte) (evicted []byte, overflowed bool) {
	if len(c.buffer) >= c.cfg.BufferCapacity {
		evicted = c.buffer[0]
		c.buffer = c.buffer[1:]
		overflowed = true
	}
	c.buffer = append(c.buffer, payload)
	return evicted, overflowed
}

// TransportClosed 底层连接意外断开时调用，进入重连状态
func (c *Coordinator) TransportClosed() {
	c.mu.Lock()
	if c.state != StateConnected || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.transport = nil
	c.scheduleLocked()
	c.mu.Unlock()
}

// scheduleLocked 安排下一次重连尝试，调用方持有锁
func (c *Coordinator) scheduleLocked() {
	delay := c.jitter(c.backoff)
	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempts", c.attempts))
	c.timer = c.clk.AfterFunc(delay, c.attempt)
}

// jitter 对延迟施加 ±JitterRatio 的随机抖动
func (c *Coordinator) jitter(d time.Duration) time.Duration {
	r := c.cfg.JitterRatio
	factor := 1 - r + rand.Float64()*2*r
	return time.Duration(float64(d) * factor)
}

// attempt 执行一次重连尝试
func (c *Coordinator) attempt() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	t, err := c.dialer.Dial(ctx)
	cancel()

	if err != nil {
		c.mu.Lock()
		c.attempts++
		if c.cfg.MaxAttempts > 0 && c.attempts >= c.cfg.MaxAttempts {
			c.state = StateAbandoned
			callbacks := c.onAbandoned
			c.mu.Unlock()
			c.logger.Warn("reconnect abandoned", zap.Error(err))
			for _, cb := range callbacks {
				cb()
			}
			return
		}
		// 退避增长直到上限
		next := time.Duration(float64(c.backoff) * c.cfg.Multiplier)
		if next > c.cfg.MaxDelay {
			next = c.cfg.MaxDelay
		}
		c.backoff = next
		c.scheduleLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.transport = t
	c.state = StateConnected
	c.attempts = 0
	c.backoff = c.cfg.BaseDelay
	buffered := c.buffer
	c.buffer = nil
	callbacks := c.onReconnected
	c.mu.Unlock()

	// 按原始入队顺序重放缓冲
	for i, payload := range buffered {
		if err := t.Send(payload); err != nil {
			// 重放途中再次断开，剩余消息回到缓冲
			c.mu.Lock()
			c.buffer = append(buffered[i:], c.buffer...)
			c.mu.Unlock()
			c.TransportClosed()
			return
		}
	}

	c.logger.Info("reconnected", zap.Int("replayed", len(buffered)))
	for _, cb := range callbacks {
		cb()
	}
}

// Close 关闭协调器，停止未触发的重连定时器
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}
