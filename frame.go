package relay

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameKind 帧类型
type FrameKind uint8

const (
	// KindJoin 加入房间
	KindJoin FrameKind = 1
	// KindLeave 离开房间
	KindLeave FrameKind = 2
	// KindRoomMsg 房间广播消息
	KindRoomMsg FrameKind = 3
	// KindReliableMsg 可靠消息（需要确认与重试）
	KindReliableMsg FrameKind = 4
	// KindAck 投递确认
	KindAck FrameKind = 5
	// KindProbe 存活探测
	KindProbe FrameKind = 6
	// KindProbeAck 存活探测应答
	KindProbeAck FrameKind = 7
	// KindError 结构化错误帧
	KindError FrameKind = 8
)

// String 返回帧类型名称
func (k FrameKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindRoomMsg:
		return "room_msg"
	case KindReliableMsg:
		return "reliable_msg"
	case KindAck:
		return "ack"
	case KindProbe:
		return "probe"
	case KindProbeAck:
		return "probe_ack"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// valid 检查帧类型是否在协议范围内
func (k FrameKind) valid() bool {
	return k >= KindJoin && k <= KindError
}

// 标志位
const (
	flagHasMessageID uint8 = 1 << 0
	flagHasRoomID    uint8 = 1 << 1
)

// 帧布局: kind(1) | flags(1) | [messageID(16)] | [roomIDLen(2) + roomID] | payload
const (
	frameHeaderSize = 2
	messageIDSize   = 16
	roomIDLenSize   = 2
	maxRoomIDLen    = 255
)

// Frame 线路帧
type Frame struct {
	Kind      FrameKind
	MessageID uuid.UUID // 仅当 HasMessageID 为真时有效
	RoomID    string
	Payload   []byte

	HasMessageID bool
}

// Encode 编码为线路字节
func (f *Frame) Encode() ([]byte, error) {
	if !f.Kind.valid() {
		return nil, ErrUnknownFrameKind
	}
	if len(f.RoomID) > maxRoomIDLen {
		return nil, ErrFrameTooLarge
	}

	size := frameHeaderSize + len(f.Payload)
	var flags uint8
	if f.HasMessageID {
		flags |= flagHasMessageID
		size += messageIDSize
	}
	if f.RoomID != "" {
		flags |= flagHasRoomID
		size += roomIDLenSize + len(f.RoomID)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(f.Kind), flags)
	if f.HasMessageID {
		buf = append(buf, f.MessageID[:]...)
	}
	if f.RoomID != "" {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.RoomID)))
		buf = append(buf, f.RoomID...)
	}
	buf = append(buf, f.Payload...)
	return buf, nil
}

// DecodeFrame 解码线路字节
// maxPayload 为 0 表示不限制载荷大小
func DecodeFrame(data []byte, maxPayload int) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}

	f := &Frame{Kind: FrameKind(data[0])}
	if !f.Kind.valid() {
		return nil, ErrUnknownFrameKind
	}
	flags := data[1]
	rest := data[frameHeaderSize:]

	if flags&flagHasMessageID != 0 {
		if len(rest) < messageIDSize {
			return nil, ErrFrameTooShort
		}
		copy(f.MessageID[:], rest[:messageIDSize])
		f.HasMessageID = true
		rest = rest[messageIDSize:]
	}

	if flags&flagHasRoomID != 0 {
		if len(rest) < roomIDLenSize {
			return nil, ErrFrameTooShort
		}
		n := int(binary.BigEndian.Uint16(rest))
		if n > maxRoomIDLen {
			return nil, ErrFrameTooLarge
		}
		rest = rest[roomIDLenSize:]
		if len(rest) < n {
			return nil, ErrFrameTooShort
		}
		f.RoomID = string(rest[:n])
		rest = rest[n:]
	}

	if maxPayload > 0 && len(rest) > maxPayload {
		return nil, ErrFrameTooLarge
	}
	if len(rest) > 0 {
		f.Payload = append([]byte(nil), rest...)
	}
	return f, nil
}

// ErrorBody 错误帧载荷
type ErrorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// newErrorFrame 构造错误帧
func newErrorFrame(code int, message string, now time.Time) *Frame {
	body, _ := json.Marshal(ErrorBody{
		Code:      code,
		Message:   message,
		Timestamp: now.Unix(),
	})
	return &Frame{Kind: KindError, Payload: body}
}

// newProbeFrame 构造探测帧，探测标识复用 16 字节消息 ID 槽位
func newProbeFrame(probeID uuid.UUID) *Frame {
	return &Frame{Kind: KindProbe, MessageID: probeID, HasMessageID: true}
}

// newProbeAckFrame 构造探测应答帧
func newProbeAckFrame(probeID uuid.UUID) *Frame {
	return &Frame{Kind: KindProbeAck, MessageID: probeID, HasMessageID: true}
}

// newAckFrame 构造投递确认帧
func newAckFrame(messageID uuid.UUID) *Frame {
	return &Frame{Kind: KindAck, MessageID: messageID, HasMessageID: true}
}
