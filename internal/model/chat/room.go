package chat

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrRoomNameRequired = errors.New("room name is required")
	ErrRoomNotFound     = errors.New("room not found")
)

// RoomSummary 房间列表中展示的最新消息
type RoomSummary struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
	CreatedAt  string `json:"created_at"`
}

// Room 聊天房间，会话期间按不可变值使用
type Room struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MemberCount int          `json:"member_count"`
	LastMessage *RoomSummary `json:"last_message,omitempty"`
}

// RoomStore 房间存储接口
type RoomStore interface {
	List() []Room
	FindByID(id int64) (Room, bool)
	Create(name, description string) (Room, error)
}

// MemoryRoomStore 基于内存的房间存储
type MemoryRoomStore struct {
	mu     sync.RWMutex
	items  []Room
	nextID int64
}

// NewMemoryRoomStore 使用预置房间创建内存存储
func NewMemoryRoomStore(items []Room) *MemoryRoomStore {
	s := &MemoryRoomStore{items: append([]Room(nil), items...)}
	for _, item := range items {
		if item.ID > s.nextID {
			s.nextID = item.ID
		}
	}
	return s
}

// List 返回房间列表副本
func (s *MemoryRoomStore) List() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Room(nil), s.items...)
}

// FindByID 根据 ID 查找房间
func (s *MemoryRoomStore) FindByID(id int64) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Room{}, false
}

// Create 以下一个可用 ID 创建房间
func (s *MemoryRoomStore) Create(name, description string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrRoomNameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	room := Room{ID: s.nextID, Name: name, Description: strings.TrimSpace(description)}
	s.items = append(s.items, room)
	return room, nil
}

// Touch 记录房间最新消息摘要
func (s *MemoryRoomStore) Touch(id int64, content, senderName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		s.items[i].LastMessage = &RoomSummary{
			Content:    content,
			SenderName: senderName,
			CreatedAt:  at.UTC().Format(time.RFC3339Nano),
		}
		return
	}
}

func (s *MemoryRoomStore) SetMembers(id int64, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].MemberCount = count
			return
		}
	}
}

// Seed 返回默认房间
func Seed() []Room {
	return []Room{
		{ID: 1, Name: "general", Description: "Company-wide announcements and chatter"},
		{ID: 2, Name: "random", Description: "Anything goes"},
		{ID: 3, Name: "support", Description: "Ask for help here"},
	}
}
