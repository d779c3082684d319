package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// channelIDCounter 通道 ID 计数器
var channelIDCounter atomic.Uint64

// generateChannelID 生成通道 ID
func generateChannelID() string {
	return fmt.Sprintf("ch_%d_%s", channelIDCounter.Add(1), uuid.NewString())
}

// generateMessageID 生成消息 ID，16 字节与帧格式的消息 ID 槽位对齐
func generateMessageID() uuid.UUID {
	return uuid.New()
}
