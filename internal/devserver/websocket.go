package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/client/internal/metrics"
	"github.com/zhouzirui/z-chat/client/internal/service/socket"
	"github.com/zhouzirui/z-chat/client/pkg/utils"
)

// inboundFrame 客户端发来的任意帧
type inboundFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	RoomID   int64  `json:"room_id"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

type deliveryFrame struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type authResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleWebSocket 处理 /ws/rooms/{roomID}
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if _, err := s.svc.Room(r.Context(), roomID); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(2 * MaxContentLength)

	user, err := s.authenticate(conn, roomID)
	if err != nil {
		s.log.Warn().Err(err).Int64("room_id", roomID).Msg("websocket authentication failed")
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_ = conn.WriteJSON(authResponse{Type: socket.FrameAuthResponse, Success: false, Error: err.Error()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(s.opts.WriteTimeout))
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteJSON(authResponse{Type: socket.FrameAuthResponse, Success: true}); err != nil {
		_ = conn.Close()
		return
	}

	c := newClient(conn, user, roomID)
	s.hub.join(c)
	defer s.hub.leave(c)
	defer c.close()

	go s.writePump(c)
	s.readPump(c)
}

// authenticate 读取首帧并校验令牌与房间。
func (s *Server) authenticate(conn *websocket.Conn, roomID int64) (User, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return User{}, fmt.Errorf("read auth frame: %w", err)
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return User{}, errors.New("first frame must be an auth frame")
	}
	if frame.Type != socket.FrameAuth {
		return User{}, fmt.Errorf("first frame must be auth, got %q", frame.Type)
	}
	if frame.RoomID != roomID {
		return User{}, fmt.Errorf("auth frame is for room %d", frame.RoomID)
	}
	return s.tokens.Lookup(frame.Token)
}

func (s *Server) readPump(c *client) {
	log := s.log.With().Int64("room_id", c.roomID).Int64("user_id", c.user.ID).Logger()

	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(c, errorFrame{Type: socket.FrameError, Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case socket.FrameMessage:
			if frame.RoomID != 0 && frame.RoomID != c.roomID {
				s.reply(c, errorFrame{Type: socket.FrameError, Error: "room mismatch"})
				continue
			}
			msg, err := s.svc.Post(context.Background(), c.roomID, c.user, frame.Content, frame.ClientID)
			if err != nil {
				s.reply(c, errorFrame{Type: socket.FrameError, Error: err.Error()})
				continue
			}
			metrics.ServerMessages.Inc()
			n := s.hub.Broadcast(c.roomID, deliveryFrame{Type: socket.FrameMessage, Message: msg})
			log.Debug().Int64("message_id", msg.ID).Int("delivered", n).Msg("message broadcast")
		case socket.FrameTyping, socket.FramePresence:
			// 不实现在线状态
		case socket.FrameAuth:
			// 已认证，重复的 auth 帧忽略
		default:
			s.reply(c, errorFrame{Type: socket.FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

// writePump 串行化写入并定期发送 ping。
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// reply 只发给当前连接。
func (s *Server) reply(c *client, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}
