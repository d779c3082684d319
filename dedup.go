package relay

import (
	"container/list"
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// DedupStore 接收侧消息 ID 去重窗口
// Seen 原子地检查并记录消息 ID：返回 true 表示该消息已应用过。
// 窗口必须有界，ID 的保留策略由实现决定。
type DedupStore interface {
	Seen(ctx context.Context, id uuid.UUID) (bool, error)
	Close() error
}

// memoryDedup 内存去重窗口
// 按数量有界的 LRU 保存精确集合，双布隆过滤器做快速否定判断：
// 未命中任一过滤器的 ID 必然是新消息，无需查表。
type memoryDedup struct {
	mu       sync.Mutex
	capacity int

	order *list.List // 最旧的在队首
	ids   map[uuid.UUID]*list.Element

	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	inserted int // current 过滤器的插入计数
}

// NewMemoryDedup 创建内存去重窗口
func NewMemoryDedup(capacity int) DedupStore {
	if capacity <= 0 {
		capacity = 65536
	}
	return &memoryDedup{
		capacity: capacity,
		order:    list.New(),
		ids:      make(map[uuid.UUID]*list.Element, capacity),
		current:  bloom.NewWithEstimates(uint(capacity), 0.01),
		previous: bloom.NewWithEstimates(uint(capacity), 0.01),
	}
}

// Seen 检查并记录消息 ID
func (m *memoryDedup) Seen(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 布隆过滤器的否定判断是确定的
	if m.current.Test(id[:]) || m.previous.Test(id[:]) {
		if _, ok := m.ids[id]; ok {
			return true, nil
		}
	}

	elem := m.order.PushBack(id)
	m.ids[id] = elem
	m.current.Add(id[:])
	m.inserted++

	// 超出窗口时淘汰最旧的 ID
	if m.order.Len() > m.capacity {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.ids, oldest.Value.(uuid.UUID))
	}

	// 布隆过滤器不支持删除，写满一个窗口后轮换
	if m.inserted >= m.capacity {
		m.previous = m.current
		m.current = bloom.NewWithEstimates(uint(m.capacity), 0.01)
		m.inserted = 0
	}

	return false, nil
}

// Close 关闭窗口
func (m *memoryDedup) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.ids = make(map[uuid.UUID]*list.Element)
	return nil
}
