package relay

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementChannels()
	DecrementChannels()
	SetChannelCount(count int)

	// 帧指标
	IncrementFramesReceived(kind string)
	IncrementInvalidFrames()
	IncrementDroppedFrames()

	// 存活探测指标
	IncrementProbesSent()
	IncrementProbeTimeouts()

	// 投递指标
	IncrementDeliveryAttempts()
	IncrementDeliveryAcks()
	IncrementDeliveryDiscards()
	IncrementDedupHits()

	// 房间指标
	SetRoomCount(count int)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementChannels()                  {}
func (m *NoopMetrics) DecrementChannels()                  {}
func (m *NoopMetrics) SetChannelCount(count int)           {}
func (m *NoopMetrics) IncrementFramesReceived(kind string) {}
func (m *NoopMetrics) IncrementInvalidFrames()             {}
func (m *NoopMetrics) IncrementDroppedFrames()             {}
func (m *NoopMetrics) IncrementProbesSent()                {}
func (m *NoopMetrics) IncrementProbeTimeouts()             {}
func (m *NoopMetrics) IncrementDeliveryAttempts()          {}
func (m *NoopMetrics) IncrementDeliveryAcks()              {}
func (m *NoopMetrics) IncrementDeliveryDiscards()          {}
func (m *NoopMetrics) IncrementDedupHits()                 {}
func (m *NoopMetrics) SetRoomCount(count int)              {}
