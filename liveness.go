package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// probeState 单个通道的未应答探测
type probeState struct {
	probeID uuid.UUID
}

// livenessMonitor 存活监视器
// 周期性向所有 Open 通道发送探测帧，超时未应答的通道被强制关闭。
// 探测标识精确匹配：引用过期探测的应答被忽略，容忍迟到的应答。
type livenessMonitor struct {
	engine *Engine
	clk    clock.Clock

	mu       sync.Mutex
	awaiting map[string]probeState   // channelID -> 未应答探测
	timers   map[uint64]*clock.Timer // 未触发的超时检查，按轮次编号
	timerSeq uint64
	stopped  atomic.Bool
}

// newLivenessMonitor 创建存活监视器
func newLivenessMonitor(engine *Engine) *livenessMonitor {
	return &livenessMonitor{
		engine:   engine,
		clk:      engine.clock,
		awaiting: make(map[string]probeState),
		timers:   make(map[uint64]*clock.Timer),
	}
}

// run 探测循环
func (m *livenessMonitor) run(ctx context.Context) error {
	ticker := m.clk.Ticker(m.engine.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stop()
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep 向所有 Open 且无未应答探测的通道发送探测帧，
// 并为本轮探测安排一次超时检查。
func (m *livenessMonitor) sweep() {
	type probed struct {
		channelID string
		probeID   uuid.UUID
	}
	var round []probed

	m.engine.pool.Range(func(c *Channel) bool {
		if !c.IsOpen() {
			return true
		}

		m.mu.Lock()
		if _, waiting := m.awaiting[c.ID]; waiting {
			// 上一轮探测仍未应答，交由其超时检查处理
			m.mu.Unlock()
			return true
		}
		probeID := generateMessageID()
		m.awaiting[c.ID] = probeState{probeID: probeID}
		m.mu.Unlock()

		if err := c.pushFrame(newProbeFrame(probeID)); err != nil {
			m.engine.logger.Warn("liveness probe not sent",
				zap.String("channel_id", c.ID), zap.Error(err))
		}
		m.engine.metrics.IncrementProbesSent()
		round = append(round, probed{channelID: c.ID, probeID: probeID})
		return true
	})

	if len(round) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return
	}
	m.timerSeq++
	seq := m.timerSeq
	// 超时检查触发后注销自己，常驻的只有尚未到期的轮次
	m.timers[seq] = m.clk.AfterFunc(m.engine.config.LivenessTimeout, func() {
		for _, p := range round {
			m.expire(p.channelID, p.probeID)
		}
		m.mu.Lock()
		delete(m.timers, seq)
		m.mu.Unlock()
	})
}

// expire 超时检查：探测仍未应答则强制关闭通道
func (m *livenessMonitor) expire(channelID string, probeID uuid.UUID) {
	if m.stopped.Load() {
		return
	}

	m.mu.Lock()
	ps, ok := m.awaiting[channelID]
	if !ok || ps.probeID != probeID {
		// 已应答或探测已被替换
		m.mu.Unlock()
		return
	}
	delete(m.awaiting, channelID)
	m.mu.Unlock()

	c, ok := m.engine.pool.Get(channelID)
	if !ok {
		return
	}

	m.engine.metrics.IncrementProbeTimeouts()
	m.engine.logger.Info("liveness probe timed out, closing channel",
		zap.String("channel_id", channelID))
	m.engine.events.Publish(Event{
		Type:      EventProbeTimeout,
		ChannelID: channelID,
		Time:      m.clk.Now(),
	})
	c.Close()
}

// handleAck 处理探测应答，标识不匹配的应答被忽略
func (m *livenessMonitor) handleAck(c *Channel, probeID uuid.UUID) {
	m.mu.Lock()
	ps, ok := m.awaiting[c.ID]
	if !ok || ps.probeID != probeID {
		m.mu.Unlock()
		return
	}
	delete(m.awaiting, c.ID)
	m.mu.Unlock()

	c.lastAck.Store(m.clk.Now().UnixNano())
}

// forget 通道关闭时清除其探测状态，与关闭同步执行
func (m *livenessMonitor) forget(channelID string) {
	m.mu.Lock()
	delete(m.awaiting, channelID)
	m.mu.Unlock()
}

// stop 停止所有未触发的超时检查
func (m *livenessMonitor) stop() {
	m.stopped.Store(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[uint64]*clock.Timer)
}
