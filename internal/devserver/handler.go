package devserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/pkg/utils"
)

// registerRoutes 注册房间相关的路由
func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/rooms", s.handleListRooms)
	r.Post("/rooms", s.handleCreateRoom)
	r.Get("/rooms/{roomID}", s.handleGetRoom)
	r.Get("/rooms/{roomID}/messages", s.handleListMessages)
}

// handleListRooms 列出房间
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, s.svc.Rooms(r.Context()))
}

// handleCreateRoom 创建房间
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	room, err := s.svc.CreateRoom(r.Context(), payload.Name, payload.Description)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, room)
}

// handleGetRoom 获取单个房间
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}
	room, err := s.svc.Room(r.Context(), roomID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, room)
}

// handleListMessages 分页获取历史消息
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}

	q := chat.PageQuery{}
	var err error
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 || q.Limit > 200 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be between 0 and 200")
			return
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil || q.Offset < 0 {
			utils.RespondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}

	page, err := s.svc.History(r.Context(), roomID, q)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func parseRoomID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid room id")
		return 0, false
	}
	return roomID, true
}
