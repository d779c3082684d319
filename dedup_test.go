package relay

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryDedupSeen 首次为新消息，之后判定为重复
func TestMemoryDedupSeen(t *testing.T) {
	d := NewMemoryDedup(16)
	defer d.Close()
	ctx := context.Background()

	id := uuid.New()

	seen, err := d.Seen(ctx, id)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)

	// 其他 ID 不受影响
	seen, err = d.Seen(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestMemoryDedupEvictsOldest 超出窗口容量时最旧的 ID 被淘汰
func TestMemoryDedupEvictsOldest(t *testing.T) {
	const capacity = 4
	d := NewMemoryDedup(capacity)
	defer d.Close()
	ctx := context.Background()

	ids := make([]uuid.UUID, capacity+1)
	for i := range ids {
		ids[i] = uuid.New()
		seen, err := d.Seen(ctx, ids[i])
		require.NoError(t, err)
		require.False(t, seen)
	}

	// 最旧的 ID 已出窗，重新判定为新消息
	seen, err := d.Seen(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, seen)

	// 仍在窗口内的 ID 保持重复判定
	seen, err = d.Seen(ctx, ids[capacity])
	require.NoError(t, err)
	assert.True(t, seen)
}

// TestMemoryDedupBounded 窗口大小始终有界
func TestMemoryDedupBounded(t *testing.T) {
	const capacity = 8
	d := NewMemoryDedup(capacity).(*memoryDedup)
	defer d.Close()
	ctx := context.Background()

	for i := 0; i < capacity*4; i++ {
		_, err := d.Seen(ctx, uuid.New())
		require.NoError(t, err)
	}

	d.mu.Lock()
	size := d.order.Len()
	d.mu.Unlock()
	assert.LessOrEqual(t, size, capacity)
}

// TestMemoryDedupDefaultCapacity 非法容量回落到默认值
func TestMemoryDedupDefaultCapacity(t *testing.T) {
	d := NewMemoryDedup(0).(*memoryDedup)
	defer d.Close()
	assert.Equal(t, 65536, d.capacity)
}

// TestMemoryDedupSurvivesBloomRotation 布隆轮换不影响窗口内 ID 的重复判定
func TestMemoryDedupSurvivesBloomRotation(t *testing.T) {
	const capacity = 4
	d := NewMemoryDedup(capacity)
	defer d.Close()
	ctx := context.Background()

	ids := make([]uuid.UUID, capacity)
	for i := range ids {
		ids[i] = uuid.New()
		_, err := d.Seen(ctx, ids[i])
		require.NoError(t, err)
	}

	// 恰好写满一个窗口，current 过滤器已轮换为 previous
	for _, id := range ids {
		seen, err := d.Seen(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen)
	}
}
