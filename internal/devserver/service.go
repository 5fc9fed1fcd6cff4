// Package devserver 是聊天客户端的参考服务端：房间与历史 REST 接口、
// 房间级 WebSocket 端点（带内认证）以及可选的 Pebble 消息日志。
package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

var (
	ErrContentRequired = errors.New("content is required")
	ErrContentTooLong  = errors.New("content is too long")
)

// MaxContentLength 单条消息内容上限（字节）
const MaxContentLength = 8 << 10

// MessageLog 持久化已确认的消息。
type MessageLog interface {
	Append(msg chat.WireMessage) error
	LoadAll() ([]chat.WireMessage, error)
	Close() error
}

// Service 管理房间和消息，消息 id 全局单调递增。
type Service struct {
	rooms *chat.MemoryRoomStore
	log   MessageLog
	now   func() time.Time

	mu       sync.RWMutex
	messages map[int64][]chat.WireMessage
	lastID   int64
}

// NewService 创建服务。log 可以为 nil；非 nil 时启动时回放其中的消息。
func NewService(rooms *chat.MemoryRoomStore, log MessageLog) (*Service, error) {
	s := &Service{
		rooms:    rooms,
		log:      log,
		now:      time.Now,
		messages: make(map[int64][]chat.WireMessage),
	}
	if log == nil {
		return s, nil
	}

	stored, err := log.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("replay message log: %w", err)
	}
	for _, msg := range stored {
		if _, ok := rooms.FindByID(msg.RoomID); !ok {
			continue
		}
		s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
		if msg.ID > s.lastID {
			s.lastID = msg.ID
		}
		if at, err := chat.ParseTimestamp(msg.CreatedAt); err == nil {
			rooms.Touch(msg.RoomID, msg.Content, msg.Sender.DisplayName(), at)
		}
	}
	return s, nil
}

// Rooms 返回全部房间。
func (s *Service) Rooms(_ context.Context) []chat.Room {
	return s.rooms.List()
}

// Room 按 id 查找房间。
func (s *Service) Room(_ context.Context, id int64) (chat.Room, error) {
	room, ok := s.rooms.FindByID(id)
	if !ok {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return room, nil
}

// CreateRoom 创建房间。
func (s *Service) CreateRoom(_ context.Context, name, description string) (chat.Room, error) {
	return s.rooms.Create(name, description)
}

// Post 确认一条消息：分配 id 和服务端时间戳，写入日志并返回可广播的消息。
func (s *Service) Post(_ context.Context, roomID int64, sender User, content, clientID string) (chat.WireMessage, error) {
	if strings.TrimSpace(content) == "" {
		return chat.WireMessage{}, ErrContentRequired
	}
	if len(content) > MaxContentLength {
		return chat.WireMessage{}, ErrContentTooLong
	}
	if _, ok := s.rooms.FindByID(roomID); !ok {
		return chat.WireMessage{}, chat.ErrRoomNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.lastID++
	msg := chat.WireMessage{
		ID:          s.lastID,
		Content:     content,
		RoomID:      roomID,
		SenderID:    sender.ID,
		Sender:      sender.Profile(),
		CreatedAt:   now.Format(time.RFC3339Nano),
		MessageType: chat.MessageTypeText,
		ClientID:    clientID,
	}
	if s.log != nil {
		stored := msg
		stored.ClientID = ""
		if err := s.log.Append(stored); err != nil {
			s.lastID--
			return chat.WireMessage{}, fmt.Errorf("persist message: %w", err)
		}
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	s.rooms.Touch(roomID, content, sender.Username, now)
	return msg, nil
}

// History 返回一页历史。offset 0 为最新一页，offset n 跳过最新的 n 条；
// 页内按时间升序。
func (s *Service) History(_ context.Context, roomID int64, q chat.PageQuery) (chat.Page, error) {
	if _, ok := s.rooms.FindByID(roomID); !ok {
		return chat.Page{}, chat.ErrRoomNotFound
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(q.Offset, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[roomID]
	total := len(all)
	end := max(total-offset, 0)
	start := max(end-limit, 0)

	data := make([]chat.WireMessage, 0, end-start)
	for _, msg := range all[start:end] {
		msg.ClientID = ""
		data = append(data, msg)
	}
	return chat.Page{
		Data:    data,
		Total:   total,
		HasNext: start > 0,
		HasPrev: offset > 0,
	}, nil
}
