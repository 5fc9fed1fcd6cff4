package socket

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

var (
	// ErrAuthRejected 服务端以 success=false 应答认证，不再重连
	ErrAuthRejected     = errors.New("realtime authentication rejected")
	// ErrRetriesExhausted 重连次数达到上限
	ErrRetriesExhausted = errors.New("realtime reconnect attempts exhausted")
	// ErrNotOpen 非 open 阶段调用 Send
	ErrNotOpen          = errors.New("realtime session is not open")
	// ErrMalformedFrame 入站帧无法解析
	ErrMalformedFrame   = errors.New("malformed frame")
)

// ErrorKind 按处理方式对会话错误分类
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTransient ErrorKind = "transient"
	KindAuth      ErrorKind = "auth"
	KindExhausted ErrorKind = "exhausted"
	KindMalformed ErrorKind = "malformed"
	KindCanceled  ErrorKind = "canceled"
)

// Classify 返回错误的分类。
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthRejected):
		return KindAuth
	case errors.Is(err, ErrRetriesExhausted):
		return KindExhausted
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, chat.ErrMalformedMessage):
		return KindMalformed
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindTransient
	}
}

// IsRetryable 判断 err 是否应按退避策略重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// 非主动断开一律视为瞬时故障
	return Classify(err) == KindTransient
}
