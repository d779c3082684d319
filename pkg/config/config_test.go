package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig 写临时配置文件
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoaderLoad 读取并解析配置文件
func TestLoaderLoad(t *testing.T) {
	path := writeConfig(t, `
max_channels: 500
max_frame_size: 1024
liveness_interval_ms: 15000
liveness_timeout_ms: 5000
max_delivery_attempts: 5
delivery_retry_interval_ms: 2000
max_room_size: 50
dedup_window_size: 128

reconnect:
  base_delay_ms: 500
  max_delay_ms: 8000
  max_attempts: 10
  outbound_buffer_capacity: 64
`)

	loader := NewLoader(WithFile(path))
	s, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 500, s.MaxChannels)
	assert.Equal(t, 1024, s.MaxFrameSize)
	assert.Equal(t, 15000, s.LivenessIntervalMs)
	assert.Equal(t, 5000, s.LivenessTimeoutMs)
	assert.Equal(t, 5, s.MaxDeliveryAttempts)
	assert.Equal(t, 50, s.MaxRoomSize)
	assert.Equal(t, 128, s.DedupWindowSize)

	rc := s.ReconnectConfig()
	assert.Equal(t, 500*time.Millisecond, rc.BaseDelay)
	assert.Equal(t, 8*time.Second, rc.MaxDelay)
	assert.Equal(t, 10, rc.MaxAttempts)
	assert.Equal(t, 64, rc.BufferCapacity)
}

// TestLoaderMissingFile 文件不存在返回错误
func TestLoaderMissingFile(t *testing.T) {
	loader := NewLoader(WithFile("/no/such/file.yaml"))
	_, err := loader.Load()
	assert.Error(t, err)
}

// TestSettingsOptions 零值字段不生成选项
func TestSettingsOptions(t *testing.T) {
	assert.Empty(t, (&Settings{}).Options())

	s := &Settings{MaxChannels: 100, DedupWindowSize: 32}
	assert.Len(t, s.Options(), 2)
}

// TestLoaderWatch 配置变更触发回调
func TestLoaderWatch(t *testing.T) {
	path := writeConfig(t, "max_channels: 100\n")

	loader := NewLoader(WithFile(path))
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Settings, 1)
	loader.Watch(func(s *Settings) {
		select {
		case changed <- s:
		default:
		}
	})
	defer loader.StopWatch()

	// 给 watcher 启动留出时间
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("max_channels: 200\n"), 0o644))

	select {
	case s := <-changed:
		assert.Equal(t, 200, s.MaxChannels)
	case <-time.After(3 * time.Second):
		t.Skip("filesystem notifications not delivered in this environment")
	}
}
