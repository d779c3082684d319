package relay

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// 错误定义
var (
	// 连接相关错误
	ErrTooManyChannels = errors.New("relay: too many channels")
	ErrChannelIDExists = errors.New("relay: channel id already exists")
	ErrChannelNotFound = errors.New("relay: channel not found")
	ErrChannelClosed   = errors.New("relay: channel closed")
	ErrSendQueueFull   = errors.New("relay: send queue full")
	ErrBackpressure    = errors.New("relay: transport backpressure")
	ErrTransportClosed = errors.New("relay: transport closed")

	// 房间相关错误
	ErrRoomNotFound = errors.New("relay: room not found")
	ErrRoomFull     = errors.New("relay: room is full")

	// 帧相关错误
	ErrFrameTooShort    = errors.New("relay: frame too short")
	ErrFrameTooLarge    = errors.New("relay: frame too large")
	ErrUnknownFrameKind = errors.New("relay: unknown frame kind")
	ErrMissingMessageID = errors.New("relay: frame missing message id")
	ErrMissingRoomID    = errors.New("relay: frame missing room id")

	// 投递相关错误
	ErrMessageNotFound = errors.New("relay: pending message not found")

	// 重连相关错误
	ErrReconnectAbandoned = errors.New("relay: reconnect abandoned")
	ErrBufferOverflow     = errors.New("relay: outbound buffer overflow")

	// 引擎相关错误
	ErrEngineClosed  = errors.New("relay: engine closed")
	ErrInvalidConfig = errors.New("relay: invalid config")
)

// DeliveryFailureReason 投递失败原因
type DeliveryFailureReason string

const (
	// FailureMaxAttempts 重试次数耗尽
	FailureMaxAttempts DeliveryFailureReason = "max_attempts"
	// FailureChannelClosed 目标通道已关闭
	FailureChannelClosed DeliveryFailureReason = "channel_closed"
)

// DeliveryError 投递失败错误，携带原始载荷供调用方重新提交
type DeliveryError struct {
	MessageID uuid.UUID
	ChannelID string
	Payload   []byte
	Attempts  int
	Reason    DeliveryFailureReason
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("relay: delivery of %s to channel %s failed after %d attempts (%s)",
		e.MessageID, e.ChannelID, e.Attempts, e.Reason)
}

// Is 同类投递错误按 MessageID 比较
func (e *DeliveryError) Is(target error) bool {
	t, ok := target.(*DeliveryError)
	if !ok {
		return false
	}
	return e.MessageID == t.MessageID
}
