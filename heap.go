package relay

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// retryEntry 重试截止时间堆条目
// 条目在消息被确认或丢弃后可能残留在堆中，弹出时按消息状态判定是否过期。
type retryEntry struct {
	messageID uuid.UUID
	deadline  time.Time
	seq       uint64 // 同一截止时间下保持入堆顺序
}

// retryHeap 按截止时间排序的最小堆
type retryHeap struct {
	entries []retryEntry
	nextSeq uint64
}

func newRetryHeap() *retryHeap {
	h := &retryHeap{}
	heap.Init(h)
	return h
}

func (h *retryHeap) Len() int { return len(h.entries) }

func (h *retryHeap) Less(i, j int) bool {
	if h.entries[i].deadline.Equal(h.entries[j].deadline) {
		return h.entries[i].seq < h.entries[j].seq
	}
	return h.entries[i].deadline.Before(h.entries[j].deadline)
}

func (h *retryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *retryHeap) Push(x any) {
	h.entries = append(h.entries, x.(retryEntry))
}

func (h *retryHeap) Pop() any {
	old := h.entries
	n := len(old)
	entry := old[n-1]
	h.entries = old[:n-1]
	return entry
}

// Add 添加条目
func (h *retryHeap) Add(messageID uuid.UUID, deadline time.Time) {
	h.nextSeq++
	heap.Push(h, retryEntry{messageID: messageID, deadline: deadline, seq: h.nextSeq})
}

// PopDue 弹出所有截止时间不晚于 now 的条目
func (h *retryHeap) PopDue(now time.Time) []retryEntry {
	var due []retryEntry
	for h.Len() > 0 && !h.entries[0].deadline.After(now) {
		due = append(due, heap.Pop(h).(retryEntry))
	}
	return due
}
