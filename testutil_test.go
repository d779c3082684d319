package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// captureTransport 测试用传输，记录所有出站帧
type captureTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
}

func (t *captureTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.sent = append(t.sent, buf)
	return nil
}

func (t *captureTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *captureTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *captureTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *captureTransport) sentData() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *captureTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// frames 解码所有已捕获的帧
func (t *captureTransport) frames(tb testing.TB) []*Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Frame, 0, len(t.sent))
	for _, data := range t.sent {
		f, err := DecodeFrame(data, 0)
		require.NoError(tb, err)
		out = append(out, f)
	}
	return out
}

// waitFrames 等待写协程送出至少 n 帧
func (t *captureTransport) waitFrames(tb testing.TB, n int) []*Frame {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if t.sentCount() >= n {
			return t.frames(tb)
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("expected at least %d frames, got %d", n, t.sentCount())
	return nil
}

// framesOf 过滤指定类型的帧
func framesOf(frames []*Frame, kind FrameKind) []*Frame {
	var out []*Frame
	for _, f := range frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// newTestEngine 创建注入虚拟时钟的引擎
func newTestEngine(tb testing.TB, opts ...Option) (*Engine, *clock.Mock) {
	tb.Helper()
	mock := clock.NewMock()

	all := append([]Option{WithClock(mock)}, opts...)
	e, err := New(all...)
	require.NoError(tb, err)

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, mock
}

// establish 建立一条使用捕获传输的通道
func establish(tb testing.TB, e *Engine) (*Channel, *captureTransport) {
	tb.Helper()
	t := &captureTransport{}
	c, err := e.OnChannelEstablished(t)
	require.NoError(tb, err)
	return c, t
}

// encode 编码帧，失败即终止测试
func encode(tb testing.TB, f *Frame) []byte {
	tb.Helper()
	data, err := f.Encode()
	require.NoError(tb, err)
	return data
}
