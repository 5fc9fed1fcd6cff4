package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage 所有规范化失败都能用 errors.Is 匹配到它
var ErrMalformedMessage = errors.New("malformed message")

// NormalizeError 指出消息中不可用的必填字段
type NormalizeError struct {
	Field  string
	Reason string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("malformed message: %s %s", e.Field, e.Reason)
}

func (e *NormalizeError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// created_at / edited_at 支持的格式，不带时区的按 UTC 处理
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp 解析服务端返回的 ISO-8601 时间
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", raw)
}

// Normalize 将服务端消息转换为时间线消息。id、room_id、sender_id、created_at 缺一不可。
func Normalize(w WireMessage) (TimelineMessage, error) {
	if w.ID <= 0 {
		return TimelineMessage{}, &NormalizeError{Field: "id", Reason: "is required"}
	}
	if w.RoomID <= 0 {
		return TimelineMessage{}, &NormalizeError{Field: "room_id", Reason: "is required"}
	}
	if w.SenderID <= 0 {
		return TimelineMessage{}, &NormalizeError{Field: "sender_id", Reason: "is required"}
	}
	ts, err := ParseTimestamp(w.CreatedAt)
	if err != nil {
		return TimelineMessage{}, &NormalizeError{Field: "created_at", Reason: err.Error()}
	}

	msgType := w.MessageType
	if msgType == "" {
		msgType = MessageTypeText
	}

	msg := TimelineMessage{
		ID:        w.ID,
		Content:   w.Content,
		RoomID:    w.RoomID,
		SenderID:  w.SenderID,
		Sender:    w.Sender,
		Timestamp: ts,
		Type:      msgType,
		Edited:    w.IsEdited,
		ClientID:  w.ClientID,
	}
	// edited_at 可选，解析失败只丢掉编辑时间
	if w.EditedAt != "" {
		if editedAt, err := ParseTimestamp(w.EditedAt); err == nil {
			msg.EditedAt = &editedAt
		}
	}
	return msg, nil
}

// NormalizePage 转换整页消息，返回被丢弃的畸形消息数。
func NormalizePage(page Page) ([]TimelineMessage, int) {
	out := make([]TimelineMessage, 0, len(page.Data))
	dropped := 0
	for _, w := range page.Data {
		msg, err := Normalize(w)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, msg)
	}
	return out, dropped
}
