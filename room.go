package relay

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Room 房间，成员按加入顺序保存
type Room struct {
	ID        string
	members   []*Channel
	index     map[string]int // channelID -> members 下标
	createdAt time.Time
}

// roomShard 房间表分片
type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// roomRegistry 房间注册表
// 按房间 ID 分片加锁，不同房间上的 join/leave/broadcast 互不竞争。
type roomRegistry struct {
	shards    []*roomShard
	roomCount atomic.Int64

	maxRoomSize      int
	broadcastWorkers int
	broadcastTimeout time.Duration
	metrics          Metrics
}

// newRoomRegistry 创建房间注册表
func newRoomRegistry(config *Config) *roomRegistry {
	shards := make([]*roomShard, config.RoomShards)
	for i := range shards {
		shards[i] = &roomShard{rooms: make(map[string]*Room)}
	}
	return &roomRegistry{
		shards:           shards,
		maxRoomSize:      config.MaxRoomSize,
		broadcastWorkers: config.BroadcastWorkers,
		broadcastTimeout: config.BroadcastTimeout,
		metrics:          config.Metrics,
	}
}

// shardFor 计算房间所在分片
func (r *roomRegistry) shardFor(roomID string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Join 加入房间，幂等：重复加入无额外效果
// 房间在首次加入时创建。
func (r *roomRegistry) Join(c *Channel, roomID string, now time.Time) error {
	shard := r.shardFor(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	room, ok := shard.rooms[roomID]
	if !ok {
		room = &Room{
			ID:        roomID,
			index:     make(map[string]int),
			createdAt: now,
		}
		shard.rooms[roomID] = room
		r.roomCount.Add(1)
		r.metrics.SetRoomCount(int(r.roomCount.Load()))
	}

	if _, exists := room.index[c.ID]; exists {
		return nil
	}
	if len(room.members) >= r.maxRoomSize {
		return ErrRoomFull
	}

	room.index[c.ID] = len(room.members)
	room.members = append(room.members, c)
	c.rooms.Store(roomID, struct{}{})
	return nil
}

// Leave 离开房间，非成员为空操作
// 成员清空后房间立即删除，不保留空房间。
func (r *roomRegistry) Leave(c *Channel, roomID string) {
	shard := r.shardFor(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	r.removeLocked(shard, roomID, c.ID)
	c.rooms.Delete(roomID)
}

// removeLocked 在持有分片锁的前提下移除成员
func (r *roomRegistry) removeLocked(shard *roomShard, roomID, channelID string) {
	room, ok := shard.rooms[roomID]
	if !ok {
		return
	}
	idx, exists := room.index[channelID]
	if !exists {
		return
	}

	room.members = append(room.members[:idx], room.members[idx+1:]...)
	delete(room.index, channelID)
	for i := idx; i < len(room.members); i++ {
		room.index[room.members[i].ID] = i
	}

	if len(room.members) == 0 {
		delete(shard.rooms, roomID)
		r.roomCount.Add(-1)
		r.metrics.SetRoomCount(int(r.roomCount.Load()))
	}
}

// LeaveAll 从所有已加入的房间移除通道
func (r *roomRegistry) LeaveAll(c *Channel) []string {
	roomIDs := make([]string, 0, 8)
	c.rooms.Range(func(key, _ any) bool {
		if roomID, ok := key.(string); ok {
			roomIDs = append(roomIDs, roomID)
		}
		return true
	})

	for _, roomID := range roomIDs {
		r.Leave(c, roomID)
	}
	return roomIDs
}

// MembersOf 获取房间成员快照（加入顺序）
func (r *roomRegistry) MembersOf(roomID string) []*Channel {
	shard := r.shardFor(roomID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	room, ok := shard.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*Channel, len(room.members))
	copy(members, room.members)
	return members
}

// RoomCount 获取房间数量
func (r *roomRegistry) RoomCount() int {
	return int(r.roomCount.Load())
}

// Broadcast 向房间广播，排除指定发送方
// 跳过状态不是 Open 的成员；空房间（含不存在的房间）为空操作。
func (r *roomRegistry) Broadcast(roomID string, data []byte, excludeChannelID string) error {
	members := r.MembersOf(roomID)

	targets := make([]*Channel, 0, len(members))
	for _, m := range members {
		if m.ID == excludeChannelID {
			continue
		}
		if !m.IsOpen() {
			continue
		}
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		return nil
	}

	// worker pool 模式，避免为每个成员创建 goroutine
	workerCount := r.broadcastWorkers
	if len(targets) < workerCount {
		workerCount = len(targets)
	}

	jobs := make(chan *Channel, len(targets))
	for _, c := range targets {
		jobs <- c
	}
	close(jobs)

	ctx, cancel := context.WithTimeout(context.Background(), r.broadcastTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case c, ok := <-jobs:
					if !ok {
						return
					}
					if err := c.push(data); err != nil {
						r.metrics.IncrementDroppedFrames()
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
