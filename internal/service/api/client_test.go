package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

func TestGetMessagesSendsQueryAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/4/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("unexpected limit %q", got)
		}
		if got := r.URL.Query().Get("offset"); got != "40" {
			t.Errorf("unexpected offset %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		json.NewEncoder(w).Encode(chat.Page{
			Data:    []chat.WireMessage{{ID: 9, Content: "old", RoomID: 4, SenderID: 2, CreatedAt: "2024-05-01T10:00:00Z"}},
			Total:   61,
			HasNext: true,
			HasPrev: true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	page, err := c.GetMessages(context.Background(), 4, chat.PageQuery{Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].ID != 9 || page.Total != 61 || !page.HasNext {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMostRecentPageOmitsOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("offset") {
			t.Errorf("offset must be omitted for the most recent page")
		}
		w.Write([]byte(`{"data":[],"total":0,"has_next":false,"has_prev":false}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").GetMessages(context.Background(), 1, chat.PageQuery{Limit: 50}); err != nil {
		t.Fatalf("get messages: %v", err)
	}
}

func TestUnauthorizedIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "expired").ListRooms(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"room name is required"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t").CreateRoom(context.Background(), "", "")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest || statusErr.Message != "room name is required" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestCreateRoomPostsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var payload struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(chat.Room{ID: 12, Name: payload.Name, Description: payload.Description})
	}))
	defer srv.Close()

	room, err := NewClient(srv.URL, "t").CreateRoom(context.Background(), "ops", "on-call")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.ID != 12 || room.Name != "ops" || room.Description != "on-call" {
		t.Fatalf("unexpected room: %+v", room)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t").GetRoom(context.Background(), 99)
	if !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestOversizedResponseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"` + strings.Repeat("x", 256) + `"}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t")
	client.MaxResponseBytes = 64
	if _, err := client.ListRooms(context.Background()); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}

	client.MaxResponseBytes = 0
	rooms, err := client.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("default limit: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}
}
