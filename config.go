package relay

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config 引擎配置
type Config struct {
	// 连接配置
	MaxChannels           int   // 最大通道数
	MaxFrameSize          int   // 单帧最大载荷（字节）
	SendQueueSize         int   // 出站队列大小
	HighPriorityQueueSize int   // 高优先级队列大小（控制帧）
	MaxInvalidFrames      int32 // 无效帧阈值，超过则强制关闭通道

	// 存活探测配置
	LivenessInterval time.Duration // 探测间隔
	LivenessTimeout  time.Duration // 探测应答超时

	// 可靠投递配置
	MaxDeliveryAttempts   int           // 最大投递次数
	DeliveryRetryInterval time.Duration // 单次投递的确认等待时间
	DeliveryTickInterval  time.Duration // 重试扫描粒度

	// 房间配置
	MaxRoomSize      int           // 单个房间最大成员数
	RoomShards       int           // 房间表分片数
	BroadcastWorkers int           // 广播 worker 池上限
	BroadcastTimeout time.Duration // 单次广播超时

	// 去重窗口配置
	DedupWindowSize int        // 已应用消息 ID 的保留数量
	DedupStore      DedupStore // 自定义去重存储（默认内存 LRU）

	// 基础设施
	Logger  *zap.Logger
	Metrics Metrics
	Clock   clock.Clock
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxChannels:           10000,
		MaxFrameSize:          512 * 1024, // 512KB
		SendQueueSize:         256,
		HighPriorityQueueSize: 64,
		MaxInvalidFrames:      10,
		LivenessInterval:      30 * time.Second,
		LivenessTimeout:       10 * time.Second,
		MaxDeliveryAttempts:   3,
		DeliveryRetryInterval: 5 * time.Second,
		DeliveryTickInterval:  100 * time.Millisecond,
		MaxRoomSize:           1000,
		RoomShards:            32,
		BroadcastWorkers:      100,
		BroadcastTimeout:      5 * time.Second,
		DedupWindowSize:       65536,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxChannels <= 0 {
		return fmt.Errorf("MaxChannels must be positive, got %d", c.MaxChannels)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MaxFrameSize must be positive, got %d", c.MaxFrameSize)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SendQueueSize must be positive, got %d", c.SendQueueSize)
	}
	if c.HighPriorityQueueSize <= 0 {
		return fmt.Errorf("HighPriorityQueueSize must be positive, got %d", c.HighPriorityQueueSize)
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("LivenessInterval must be positive, got %v", c.LivenessInterval)
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("LivenessTimeout must be positive, got %v", c.LivenessTimeout)
	}
	if c.LivenessTimeout >= c.LivenessInterval {
		return fmt.Errorf("LivenessTimeout (%v) must be less than LivenessInterval (%v)",
			c.LivenessTimeout, c.LivenessInterval)
	}
	if c.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("MaxDeliveryAttempts must be positive, got %d", c.MaxDeliveryAttempts)
	}
	if c.DeliveryRetryInterval <= 0 {
		return fmt.Errorf("DeliveryRetryInterval must be positive, got %v", c.DeliveryRetryInterval)
	}
	if c.DeliveryTickInterval <= 0 {
		return fmt.Errorf("DeliveryTickInterval must be positive, got %v", c.DeliveryTickInterval)
	}
	if c.MaxRoomSize <= 0 {
		return fmt.Errorf("MaxRoomSize must be positive, got %d", c.MaxRoomSize)
	}
	if c.RoomShards <= 0 {
		return fmt.Errorf("RoomShards must be positive, got %d", c.RoomShards)
	}
	if c.BroadcastWorkers <= 0 {
		return fmt.Errorf("BroadcastWorkers must be positive, got %d", c.BroadcastWorkers)
	}
	if c.BroadcastTimeout <= 0 {
		return fmt.Errorf("BroadcastTimeout must be positive, got %v", c.BroadcastTimeout)
	}
	if c.DedupWindowSize <= 0 {
		return fmt.Errorf("DedupWindowSize must be positive, got %d", c.DedupWindowSize)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxChannels 设置最大通道数
func WithMaxChannels(max int) Option {
	return func(c *Config) {
		c.MaxChannels = max
	}
}

// WithMaxFrameSize 设置单帧最大载荷
func WithMaxFrameSize(size int) Option {
	return func(c *Config) {
		c.MaxFrameSize = size
	}
}

// WithSendQueueSize 设置出站队列大小
func WithSendQueueSize(size int) Option {
	return func(c *Config) {
		c.SendQueueSize = size
	}
}

// WithLivenessInterval 设置存活探测间隔
func WithLivenessInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.LivenessInterval = interval
	}
}

// WithLivenessTimeout 设置存活探测应答超时
func WithLivenessTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.LivenessTimeout = timeout
	}
}

// WithMaxDeliveryAttempts 设置最大投递次数
func WithMaxDeliveryAttempts(max int) Option {
	return func(c *Config) {
		c.MaxDeliveryAttempts = max
	}
}

// WithDeliveryRetryInterval 设置单次投递的确认等待时间
func WithDeliveryRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.DeliveryRetryInterval = interval
	}
}

// WithMaxRoomSize 设置单个房间最大成员数
func WithMaxRoomSize(max int) Option {
	return func(c *Config) {
		c.MaxRoomSize = max
	}
}

// WithDedupWindowSize 设置去重窗口大小
func WithDedupWindowSize(size int) Option {
	return func(c *Config) {
		c.DedupWindowSize = size
	}
}

// WithDedupStore 设置自定义去重存储（如 Redis 共享窗口）
func WithDedupStore(store DedupStore) Option {
	return func(c *Config) {
		c.DedupStore = store
	}
}

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithClock 设置时钟（测试注入虚拟时钟）
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}
