package chat

import "time"

// MessageType 消息展示类型
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeSystem       MessageType = "system"
	MessageTypeNotification MessageType = "notification"
)

// SenderProfile 消息附带的发送者公开资料
type SenderProfile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName 优先返回全名，否则返回用户名
func (p *SenderProfile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.FullName != "" {
		return p.FullName
	}
	return p.Username
}

// WireMessage 服务端消息结构，REST 历史与实时推送共用
type WireMessage struct {
	ID          int64          `json:"id"`
	Content     string         `json:"content"`
	RoomID      int64          `json:"room_id"`
	SenderID    int64          `json:"sender_id"`
	Sender      *SenderProfile `json:"sender,omitempty"`
	CreatedAt   string         `json:"created_at"`
	MessageType MessageType    `json:"message_type,omitempty"`
	IsEdited    bool           `json:"is_edited,omitempty"`
	EditedAt    string         `json:"edited_at,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
}

// TimelineMessage 时间线中的规范化消息
type TimelineMessage struct {
	ID        int64
	Content   string
	RoomID    int64
	SenderID  int64
	Sender    *SenderProfile
	Timestamp time.Time
	Type      MessageType
	Edited    bool
	EditedAt  *time.Time

	Pending  bool   // 本地回显，尚未被服务端确认
	ClientID string // 服务端回传时用于关联回显与确认
}

// PageQuery 历史分页参数，Offset 为 0 表示最新一页
type PageQuery struct {
	Limit  int
	Offset int
}

// Page 一页房间历史
type Page struct {
	Data    []WireMessage `json:"data"`
	Total   int           `json:"total"`
	HasNext bool          `json:"has_next"`
	HasPrev bool          `json:"has_prev"`
}
