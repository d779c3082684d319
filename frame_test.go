package relay

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip 各类帧的编解码往返
func TestFrameRoundTrip(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "join with room",
			frame: &Frame{Kind: KindJoin, RoomID: "lobby"},
		},
		{
			name:  "leave with room",
			frame: &Frame{Kind: KindLeave, RoomID: "lobby"},
		},
		{
			name:  "room msg with payload",
			frame: &Frame{Kind: KindRoomMsg, RoomID: "lobby", Payload: []byte("hello")},
		},
		{
			name: "reliable msg with id room and payload",
			frame: &Frame{
				Kind:         KindReliableMsg,
				MessageID:    id,
				HasMessageID: true,
				RoomID:       "lobby",
				Payload:      []byte("hello"),
			},
		},
		{
			name:  "ack with id only",
			frame: &Frame{Kind: KindAck, MessageID: id, HasMessageID: true},
		},
		{
			name:  "probe",
			frame: &Frame{Kind: KindProbe, MessageID: id, HasMessageID: true},
		},
		{
			name:  "error with payload only",
			frame: &Frame{Kind: KindError, Payload: []byte(`{"code":400}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Encode()
			require.NoError(t, err)

			decoded, err := DecodeFrame(data, 0)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Kind, decoded.Kind)
			assert.Equal(t, tt.frame.HasMessageID, decoded.HasMessageID)
			if tt.frame.HasMessageID {
				assert.Equal(t, tt.frame.MessageID, decoded.MessageID)
			}
			assert.Equal(t, tt.frame.RoomID, decoded.RoomID)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

// TestFrameDecodeErrors 畸形字节的解码错误
func TestFrameDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		maxSize int
		wantErr error
	}{
		{
			name:    "empty",
			data:    nil,
			wantErr: ErrFrameTooShort,
		},
		{
			name:    "single byte",
			data:    []byte{byte(KindJoin)},
			wantErr: ErrFrameTooShort,
		},
		{
			name:    "unknown kind zero",
			data:    []byte{0, 0},
			wantErr: ErrUnknownFrameKind,
		},
		{
			name:    "unknown kind out of range",
			data:    []byte{99, 0},
			wantErr: ErrUnknownFrameKind,
		},
		{
			name:    "truncated message id",
			data:    []byte{byte(KindAck), flagHasMessageID, 1, 2, 3},
			wantErr: ErrFrameTooShort,
		},
		{
			name:    "truncated room id length",
			data:    []byte{byte(KindJoin), flagHasRoomID, 0},
			wantErr: ErrFrameTooShort,
		},
		{
			name:    "room id shorter than declared",
			data:    []byte{byte(KindJoin), flagHasRoomID, 0, 10, 'a', 'b'},
			wantErr: ErrFrameTooShort,
		},
		{
			// 编码侧房间 ID 上限为 255，解码侧同样拒绝越界长度
			name:    "room id longer than codec limit",
			data:    append([]byte{byte(KindJoin), flagHasRoomID, 0x01, 0x2c}, make([]byte, 300)...),
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "payload exceeds limit",
			data:    append([]byte{byte(KindRoomMsg), 0}, make([]byte, 100)...),
			maxSize: 16,
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.data, tt.maxSize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestFrameEncodeErrors 非法帧的编码错误
func TestFrameEncodeErrors(t *testing.T) {
	_, err := (&Frame{Kind: FrameKind(42)}).Encode()
	assert.ErrorIs(t, err, ErrUnknownFrameKind)

	_, err = (&Frame{Kind: KindJoin, RoomID: strings.Repeat("r", 300)}).Encode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestFrameKindString 帧类型名称
func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "join", KindJoin.String())
	assert.Equal(t, "reliable_msg", KindReliableMsg.String())
	assert.Equal(t, "probe_ack", KindProbeAck.String())
	assert.Equal(t, "unknown", FrameKind(42).String())
}

// TestErrorFrameBody 错误帧载荷为结构化 JSON
func TestErrorFrameBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newErrorFrame(413, "frame too large", now)

	data, err := f.Encode()
	require.NoError(t, err)
	decoded, err := DecodeFrame(data, 0)
	require.NoError(t, err)
	require.Equal(t, KindError, decoded.Kind)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(decoded.Payload, &body))
	assert.Equal(t, 413, body.Code)
	assert.Equal(t, "frame too large", body.Message)
	assert.Equal(t, now.Unix(), body.Timestamp)
}
