package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLivenessProbeAndAck 探测与精确匹配的应答
func TestLivenessProbeAndAck(t *testing.T) {
	e, mock := newTestEngine(t)
	c, tr := establish(t, e)

	e.monitor.sweep()

	probes := framesOf(tr.waitFrames(t, 1), KindProbe)
	require.Len(t, probes, 1)
	require.True(t, probes[0].HasMessageID)

	mock.Add(time.Second)
	c.Receive(encode(t, newProbeAckFrame(probes[0].MessageID)))

	assert.Equal(t, mock.Now().UnixNano(), c.lastAck.Load())
	e.monitor.mu.Lock()
	_, waiting := e.monitor.awaiting[c.ID]
	e.monitor.mu.Unlock()
	assert.False(t, waiting)

	// 应答后超时检查不再关闭通道
	mock.Add(e.config.LivenessTimeout + time.Second)
	require.Eventually(t, func() bool { return c.IsOpen() }, time.Second, 5*time.Millisecond)
}

// TestLivenessTimeoutClosesChannel 超时未应答的通道被强制关闭
func TestLivenessTimeoutClosesChannel(t *testing.T) {
	e, mock := newTestEngine(t)
	c, tr := establish(t, e)

	e.monitor.sweep()
	tr.waitFrames(t, 1)

	mock.Add(e.config.LivenessTimeout + time.Millisecond)

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.ChannelCount())
}

// TestLivenessMismatchedAckIgnored 标识不匹配的应答不清除探测状态
func TestLivenessMismatchedAckIgnored(t *testing.T) {
	e, mock := newTestEngine(t)
	c, tr := establish(t, e)

	e.monitor.sweep()
	tr.waitFrames(t, 1)

	c.Receive(encode(t, newProbeAckFrame(uuid.New())))

	mock.Add(e.config.LivenessTimeout + time.Millisecond)
	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
}

// TestLivenessSkipsAwaitingChannel 未应答期间不重复探测
func TestLivenessSkipsAwaitingChannel(t *testing.T) {
	e, _ := newTestEngine(t)
	_, tr := establish(t, e)

	e.monitor.sweep()
	tr.waitFrames(t, 1)
	e.monitor.sweep()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.sentCount())
}

// TestLivenessForgetOnClose 通道关闭后超时检查不再命中
func TestLivenessForgetOnClose(t *testing.T) {
	e, mock := newTestEngine(t)
	c, tr := establish(t, e)

	e.monitor.sweep()
	tr.waitFrames(t, 1)

	c.Close()

	// 超时检查找不到探测状态，直接返回
	mock.Add(e.config.LivenessTimeout + time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	e.monitor.mu.Lock()
	_, waiting := e.monitor.awaiting[c.ID]
	e.monitor.mu.Unlock()
	assert.False(t, waiting)
}

// TestLivenessFiredTimersPruned 已触发的超时检查注销自己，监视器不随轮次累积状态
func TestLivenessFiredTimersPruned(t *testing.T) {
	e, mock := newTestEngine(t)
	c, tr := establish(t, e)

	for round := 1; round <= 5; round++ {
		e.monitor.sweep()
		probes := framesOf(tr.waitFrames(t, round), KindProbe)
		require.Len(t, probes, round)

		c.Receive(encode(t, newProbeAckFrame(probes[round-1].MessageID)))
		mock.Add(e.config.LivenessTimeout + time.Millisecond)
	}

	require.Eventually(t, func() bool {
		e.monitor.mu.Lock()
		defer e.monitor.mu.Unlock()
		return len(e.monitor.timers) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsOpen())
}

// TestLivenessOnlyProbesOpenChannels 只探测 Open 状态的通道
func TestLivenessOnlyProbesOpenChannels(t *testing.T) {
	e, _ := newTestEngine(t)
	_, t1 := establish(t, e)
	c2, t2 := establish(t, e)

	c2.state.Store(int32(StateClosing))

	e.monitor.sweep()
	t1.waitFrames(t, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, t2.sentCount())
}
