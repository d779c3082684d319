package relay

import (
	"sync"
	"sync/atomic"
)

// channelPool 通道池，接纳数量受配置上限约束
type channelPool struct {
	channels sync.Map // channelID -> *Channel
	count    atomic.Int64
	limit    int
}

// newChannelPool 创建通道池
func newChannelPool(limit int) *channelPool {
	return &channelPool{limit: limit}
}

// Add 接纳通道
// 计数越界时回滚已写入的条目，拒绝后池中不留痕迹。
func (p *channelPool) Add(c *Channel) error {
	if _, loaded := p.channels.LoadOrStore(c.ID, c); loaded {
		return ErrChannelIDExists
	}

	if int(p.count.Add(1)) > p.limit {
		p.count.Add(-1)
		p.channels.Delete(c.ID)
		return ErrTooManyChannels
	}
	return nil
}

// Remove 移除通道，不存在则为空操作
func (p *channelPool) Remove(channelID string) {
	if _, loaded := p.channels.LoadAndDelete(channelID); loaded {
		p.count.Add(-1)
	}
}

// Get 按 ID 查找通道
func (p *channelPool) Get(channelID string) (*Channel, bool) {
	value, ok := p.channels.Load(channelID)
	if !ok {
		return nil, false
	}
	c, ok := value.(*Channel)
	return c, ok
}

// Count 当前通道数
func (p *channelPool) Count() int {
	return int(p.count.Load())
}

// Range 遍历通道，f 返回 false 时停止
func (p *channelPool) Range(f func(*Channel) bool) {
	p.channels.Range(func(_, value any) bool {
		c, ok := value.(*Channel)
		if !ok {
			return true
		}
		return f(c)
	})
}
