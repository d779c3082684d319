// Package config 基于 viper 的配置文件加载与热更新
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tokmz/relay"
)

// Settings 配置文件结构
type Settings struct {
	MaxChannels             int `mapstructure:"max_channels"`
	MaxFrameSize            int `mapstructure:"max_frame_size"`
	LivenessIntervalMs      int `mapstructure:"liveness_interval_ms"`
	LivenessTimeoutMs       int `mapstructure:"liveness_timeout_ms"`
	MaxDeliveryAttempts     int `mapstructure:"max_delivery_attempts"`
	DeliveryRetryIntervalMs int `mapstructure:"delivery_retry_interval_ms"`
	MaxRoomSize             int `mapstructure:"max_room_size"`
	DedupWindowSize         int `mapstructure:"dedup_window_size"`

	Reconnect ReconnectSettings `mapstructure:"reconnect"`
}

// ReconnectSettings 重连配置段
type ReconnectSettings struct {
	BaseDelayMs            int `mapstructure:"base_delay_ms"`
	MaxDelayMs             int `mapstructure:"max_delay_ms"`
	MaxAttempts            int `mapstructure:"max_attempts"`
	OutboundBufferCapacity int `mapstructure:"outbound_buffer_capacity"`
}

// Options 转换为引擎选项，零值字段保持引擎默认值
func (s *Settings) Options() []relay.Option {
	var opts []relay.Option
	if s.MaxChannels > 0 {
		opts = append(opts, relay.WithMaxChannels(s.MaxChannels))
	}
	if s.MaxFrameSize > 0 {
		opts = append(opts, relay.WithMaxFrameSize(s.MaxFrameSize))
	}
	if s.LivenessIntervalMs > 0 {
		opts = append(opts, relay.WithLivenessInterval(time.Duration(s.LivenessIntervalMs)*time.Millisecond))
	}
	if s.LivenessTimeoutMs > 0 {
		opts = append(opts, relay.WithLivenessTimeout(time.Duration(s.LivenessTimeoutMs)*time.Millisecond))
	}
	if s.MaxDeliveryAttempts > 0 {
		opts = append(opts, relay.WithMaxDeliveryAttempts(s.MaxDeliveryAttempts))
	}
	if s.DeliveryRetryIntervalMs > 0 {
		opts = append(opts, relay.WithDeliveryRetryInterval(time.Duration(s.DeliveryRetryIntervalMs)*time.Millisecond))
	}
	if s.MaxRoomSize > 0 {
		opts = append(opts, relay.WithMaxRoomSize(s.MaxRoomSize))
	}
	if s.DedupWindowSize > 0 {
		opts = append(opts, relay.WithDedupWindowSize(s.DedupWindowSize))
	}
	return opts
}

// ReconnectConfig 转换为重连协调器配置
func (s *Settings) ReconnectConfig() relay.ReconnectConfig {
	return relay.ReconnectConfig{
		BaseDelay:      time.Duration(s.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(s.Reconnect.MaxDelayMs) * time.Millisecond,
		MaxAttempts:    s.Reconnect.MaxAttempts,
		BufferCapacity: s.Reconnect.OutboundBufferCapacity,
	}
}

// Loader 配置加载器
type Loader struct {
	viper *viper.Viper
	mu    sync.RWMutex

	configFile string
	watching   bool
	onChange   func(*Settings)
	onError    func(error)
}

// LoaderOption 加载器选项
type LoaderOption func(*Loader)

// WithFile 设置配置文件路径
func WithFile(path string) LoaderOption {
	return func(l *Loader) {
		l.configFile = path
	}
}

// WithOnError 设置错误回调
func WithOnError(fn func(error)) LoaderOption {
	return func(l *Loader) {
		l.onError = fn
	}
}

// NewLoader 创建配置加载器
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		viper: viper.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load 读取并解析配置文件
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.configFile != "" {
		l.viper.SetConfigFile(l.configFile)
	} else {
		l.viper.SetConfigName("relay")
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
	}

	if err := l.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return l.unmarshal()
}

// unmarshal 解析当前 viper 内容
func (l *Loader) unmarshal() (*Settings, error) {
	var s Settings
	if err := l.viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}

// Watch 监控配置文件变更，变更后的完整配置传给回调
// 运行中的引擎不受影响，新配置作用于之后创建的引擎。
func (l *Loader) Watch(onChange func(*Settings)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching {
		l.onChange = onChange
		return
	}
	l.onChange = onChange
	l.watching = true

	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.mu.RLock()
		watching := l.watching
		handler := l.onChange
		onError := l.onError
		l.mu.RUnlock()

		if !watching || handler == nil {
			return
		}

		s, err := l.unmarshal()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handler(s)
	})
	l.viper.WatchConfig()
}

// StopWatch 停止监控
// viper 未提供停止底层 fsnotify watcher 的方法，此方法仅使回调失效。
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching = false
}
