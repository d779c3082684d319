// Package wstest 提供测试用的内存传输，不依赖真实网络
package wstest

import (
	"sync"
	"time"

	"github.com/tokmz/relay"
)

// Transport 内存传输，记录所有出站帧
type Transport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool

	onSend func(data []byte) // 每次成功发送的回调
}

// NewTransport 创建内存传输
func NewTransport() *Transport {
	return &Transport{}
}

var _ relay.Transport = (*Transport)(nil)

// Send 记录一帧
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return relay.ErrTransportClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	t.sent = append(t.sent, buf)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(buf)
	}
	return nil
}

// Close 关闭传输
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed 传输是否已关闭
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FailSends 使后续 Send 返回指定错误，nil 恢复正常
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// OnSend 设置发送回调
func (t *Transport) OnSend(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

// Sent 已发送帧的快照
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentCount 已发送帧数
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// WaitSent 轮询等待发送帧数达到 n，写协程是异步的
func (t *Transport) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.SentCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return t.SentCount() >= n
}

// SentFrames 解码已发送的帧，解码失败的帧被跳过
func (t *Transport) SentFrames(maxPayload int) []*relay.Frame {
	var frames []*relay.Frame
	for _, data := range t.Sent() {
		f, err := relay.DecodeFrame(data, maxPayload)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}
