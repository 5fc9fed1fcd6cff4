package socket

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

// 实时通道上的帧类型
const (
	FrameAuth         = "auth"
	FrameAuthResponse = "auth_response"
	FrameMessage      = "message"
	FrameTyping       = "typing"
	FramePresence     = "presence"
	FramePong         = "pong"
	FrameError        = "error"
)

// AuthFrame 连接建立后客户端发送的第一帧
type AuthFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	RoomID int64  `json:"room_id"`
}

// SendFrame 客户端发送的聊天消息
type SendFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	RoomID   int64  `json:"room_id"`
	ClientID string `json:"client_id,omitempty"`
}

// ServerFrame 服务端下发的任意帧
type ServerFrame struct {
	Type    string            `json:"type"`
	Success *bool             `json:"success,omitempty"`
	Error   string            `json:"error,omitempty"`
	Message *chat.WireMessage `json:"message,omitempty"`
}

// DecodeServerFrame 解析入站帧，结构不完整时返回 ErrMalformedFrame。
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return ServerFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	switch f.Type {
	case FrameAuthResponse:
		if f.Success == nil {
			return ServerFrame{}, fmt.Errorf("%w: auth_response without success", ErrMalformedFrame)
		}
	case FrameMessage:
		if f.Message == nil {
			return ServerFrame{}, fmt.Errorf("%w: message frame without payload", ErrMalformedFrame)
		}
	}
	return f, nil
}
