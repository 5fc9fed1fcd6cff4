package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/internal/service/api"
	"github.com/zhouzirui/z-chat/client/internal/service/session"
	"github.com/zhouzirui/z-chat/client/internal/service/socket"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	svc := newTestService(t, nil)
	tokens := Tokens{
		aliceToken: {ID: 1, Username: "alice"},
		bobToken:   {ID: 2, Username: "bob"},
	}
	srv := New(svc, tokens, Options{AuthTimeout: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts, srv
}

func wsURL(ts *httptest.Server, roomID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + roomID
}

func dialAuthed(t *testing.T, ts *httptest.Server, token string, roomID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, strconv.FormatInt(roomID, 10)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(socket.AuthFrame{Type: socket.FrameAuth, Token: token, RoomID: roomID}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var resp authResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("auth failed: %s", resp.Error)
	}
	return conn
}

func readDelivery(t *testing.T, conn *websocket.Conn) chat.WireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frame, err := socket.DecodeServerFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.Type == socket.FrameMessage {
			return *frame.Message
		}
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	_, err = api.NewClient(ts.URL, "wrong").ListRooms(context.Background())
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	rooms, err := api.NewClient(ts.URL, aliceToken).ListRooms(context.Background())
	if err != nil || len(rooms) != 3 {
		t.Fatalf("unexpected rooms %+v, %v", rooms, err)
	}
}

func TestRESTRoomsAndMessages(t *testing.T) {
	ts, srv := newTestServer(t)
	client := api.NewClient(ts.URL, aliceToken)

	room, err := client.CreateRoom(context.Background(), "ops", "on-call")
	if err != nil || room.ID != 4 {
		t.Fatalf("unexpected room %+v, %v", room, err)
	}
	got, err := client.GetRoom(context.Background(), 4)
	if err != nil || got.Name != "ops" {
		t.Fatalf("unexpected room %+v, %v", got, err)
	}
	if _, err := client.GetRoom(context.Background(), 99); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := client.CreateRoom(context.Background(), " ", ""); err == nil {
		t.Fatal("empty room name must be rejected")
	}

	for _, content := range []string{"a", "b", "c"} {
		srv.svc.Post(context.Background(), 4, User{ID: 1, Username: "alice"}, content, "")
	}
	page, err := client.GetMessages(context.Background(), 4, chat.PageQuery{Limit: 2})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(page.Data) != 2 || page.Data[1].Content != "c" || !page.HasNext {
		t.Fatalf("unexpected page %+v", page)
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz failed: %v", err)
	}
	resp.Body.Close()
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.WriteJSON(socket.AuthFrame{Type: socket.FrameAuth, Token: "nope", RoomID: 1})

	var resp authResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected rejection, got %+v", resp)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after rejection")
	}
}

func TestWebSocketUnknownRoom(t *testing.T) {
	ts, _ := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "77"), nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestBroadcastEchoesClientID(t *testing.T) {
	ts, srv := newTestServer(t)
	alice := dialAuthed(t, ts, aliceToken, 1)
	bob := dialAuthed(t, ts, bobToken, 1)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().Members(1) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients did not join")
		}
		time.Sleep(5 * time.Millisecond)
	}

	alice.WriteMessage(websocket.TextMessage, []byte("garbage"))
	alice.WriteJSON(socket.SendFrame{Type: socket.FrameMessage, Content: "hello", RoomID: 1, ClientID: "c-9"})

	mine := readDelivery(t, alice)
	theirs := readDelivery(t, bob)
	if mine.ID != theirs.ID || mine.Content != "hello" || mine.SenderID != 1 {
		t.Fatalf("unexpected deliveries %+v / %+v", mine, theirs)
	}
	if mine.ClientID != "c-9" {
		t.Fatalf("client id not echoed: %+v", mine)
	}
}

// End to end: controller, REST client and socket session against the server.
func TestControllerAgainstServer(t *testing.T) {
	ts, _ := newTestServer(t)

	observed := make(chan struct{}, 1)

	opts := socket.DefaultOptions()
	opts.BaseURL = ts.URL
	opts.Backoff = socket.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2, MaxRetries: 2}

	rest := api.NewClient(ts.URL, aliceToken)
	ctrl := session.New(session.Config{
		User: chat.SenderProfile{ID: 1, Username: "alice"},
		Observer: func(session.State) {
			select {
			case observed <- struct{}{}:
			default:
			}
		},
	}, session.Deps{
		Rooms:   rest,
		History: rest,
		Sockets: session.NewSocketFactory(socket.Credentials{Token: aliceToken}, opts),
	})
	defer ctrl.Close()

	waitState := func(cond func(session.State) bool) session.State {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			st := ctrl.State()
			if cond(st) {
				return st
			}
			select {
			case <-observed:
			case <-time.After(20 * time.Millisecond):
			case <-timeout:
				t.Fatalf("state not reached, last: %+v", st)
			}
		}
	}

	if err := ctrl.SelectRoomByID(context.Background(), 1); err != nil {
		t.Fatalf("select room: %v", err)
	}
	waitState(func(s session.State) bool { return s.Phase == socket.PhaseOpen && !s.Loading })

	if _, ok := ctrl.Send("hello"); !ok {
		t.Fatal("send rejected while open")
	}
	st := waitState(func(s session.State) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Pending
	})
	if st.Messages[0].Content != "hello" || chat.IsSyntheticID(st.Messages[0].ID) {
		t.Fatalf("echo not confirmed: %+v", st.Messages[0])
	}

	bob := dialAuthed(t, ts, bobToken, 1)
	bob.WriteJSON(socket.SendFrame{Type: socket.FrameMessage, Content: "hi alice", RoomID: 1})
	st = waitState(func(s session.State) bool { return len(s.Messages) == 2 })
	if st.Messages[1].SenderID != 2 || st.Messages[1].Content != "hi alice" {
		t.Fatalf("unexpected third-party message: %+v", st.Messages[1])
	}
}

func TestControllerAuthRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	opts := socket.DefaultOptions()
	opts.BaseURL = ts.URL
	rest := api.NewClient(ts.URL, aliceToken)
	ctrl := session.New(session.Config{User: chat.SenderProfile{ID: 1}}, session.Deps{
		Rooms:   rest,
		History: rest,
		Sockets: session.NewSocketFactory(socket.Credentials{Token: "revoked"}, opts),
	})
	defer ctrl.Close()

	room := chat.Room{ID: 1, Name: "general"}
	ctrl.SelectRoom(context.Background(), &room)

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := ctrl.State()
		if errors.Is(st.Err, socket.ErrAuthRejected) && st.Phase == socket.PhaseClosed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("auth rejection not surfaced: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
