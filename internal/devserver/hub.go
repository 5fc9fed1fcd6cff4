package devserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-chat/client/internal/metrics"
	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

// client 一个已认证的房间连接
type client struct {
	conn   *websocket.Conn
	user   User
	roomID int64
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func newClient(conn *websocket.Conn, user User, roomID int64) *client {
	return &client{
		conn:   conn,
		user:   user,
		roomID: roomID,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub 按房间维护连接并广播消息。
type Hub struct {
	rooms *chat.MemoryRoomStore
	log   zerolog.Logger

	mu      sync.RWMutex
	members map[int64]map[*client]struct{}
}

// NewHub 创建 Hub，rooms 用于更新房间在线人数。
func NewHub(rooms *chat.MemoryRoomStore, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   rooms,
		log:     logger,
		members: make(map[int64]map[*client]struct{}),
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	set, ok := h.members[c.roomID]
	if !ok {
		set = make(map[*client]struct{})
		h.members[c.roomID] = set
	}
	set[c] = struct{}{}
	count := len(set)
	h.mu.Unlock()

	metrics.ServerConnections.Inc()
	h.rooms.SetMembers(c.roomID, count)
	h.log.Info().Int64("room_id", c.roomID).Int64("user_id", c.user.ID).Int("members", count).Msg("client joined")
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	set := h.members[c.roomID]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	count := len(set)
	if count == 0 {
		delete(h.members, c.roomID)
	}
	h.mu.Unlock()

	metrics.ServerConnections.Dec()
	h.rooms.SetMembers(c.roomID, count)
	h.log.Info().Int64("room_id", c.roomID).Int64("user_id", c.user.ID).Int("members", count).Msg("client left")
}

// Broadcast 把 frame 发送给房间内的每个连接（包括发送者），返回投递数量。
// 发送队列已满的连接会被断开。
func (h *Hub) Broadcast(roomID int64, frame any) int {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.members[roomID]))
	for c := range h.members[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case c.send <- data:
			delivered++
		case <-c.done:
		default:
			h.log.Warn().Int64("room_id", roomID).Int64("user_id", c.user.ID).Msg("send queue full, dropping client")
			c.close()
		}
	}
	return delivered
}

// Members 返回房间当前连接数。
func (h *Hub) Members(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[roomID])
}

// Close 断开所有连接。
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, set := range h.members {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}
