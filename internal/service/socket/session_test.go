package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type phaseEvent struct {
	phase   Phase
	attempt int
}

type recorder struct {
	phases   chan phaseEvent
	messages chan chat.TimelineMessage
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		phases:   make(chan phaseEvent, 128),
		messages: make(chan chat.TimelineMessage, 16),
		errs:     make(chan error, 4),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnPhase:   func(p Phase, attempt int) { r.phases <- phaseEvent{p, attempt} },
		OnMessage: func(msg chat.TimelineMessage) { r.messages <- msg },
		OnError:   func(err error) { r.errs <- err },
	}
}

func (r *recorder) waitPhase(t *testing.T, want Phase) phaseEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.phases:
			if ev.phase == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func (r *recorder) drainPhases() []phaseEvent {
	var out []phaseEvent
	for {
		select {
		case ev := <-r.phases:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newWSServer(t *testing.T, handle func(n int32, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if r.URL.Path != "/ws/rooms/1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(n, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOptions(base string) Options {
	opts := DefaultOptions()
	opts.BaseURL = base
	opts.AuthTimeout = time.Second
	opts.Backoff = Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
	return opts
}

func readAuth(t *testing.T, conn *websocket.Conn) AuthFrame {
	var f AuthFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Errorf("read auth frame: %v", err)
	}
	return f
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session goroutine did not exit")
	}
}

func wireFrame(id int64, content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "message",
		"message": map[string]any{
			"id":         id,
			"content":    content,
			"room_id":    1,
			"sender_id":  7,
			"created_at": "2024-05-01T10:00:00Z",
		},
	})
	return data
}

func TestSessionAuthenticatesAndDeliversMessages(t *testing.T) {
	sent := make(chan SendFrame, 1)
	srv, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		auth := readAuth(t, conn)
		if auth.Type != FrameAuth || auth.Token != "good" || auth.RoomID != 1 {
			t.Errorf("unexpected auth frame: %+v", auth)
		}
		conn.WriteJSON(map[string]any{"type": "auth_response", "success": true})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","user_id":3}`))
		conn.WriteMessage(websocket.TextMessage, wireFrame(101, "hello"))

		for {
			var f SendFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			sent <- f
		}
	})

	rec := newRecorder()
	s := New(1, Credentials{Token: "good"}, rec.hooks(), fastOptions(wsBase(srv)))
	s.Start(context.Background())
	defer s.Stop()

	rec.waitPhase(t, PhaseOpen)

	select {
	case msg := <-rec.messages:
		if msg.ID != 101 || msg.Content != "hello" || msg.Pending {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered after malformed frame")
	}

	if err := s.Send("hi there", "c-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-sent:
		if f.Type != FrameMessage || f.Content != "hi there" || f.RoomID != 1 || f.ClientID != "c-1" {
			t.Fatalf("unexpected send frame: %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive message")
	}

	s.Stop()
	waitDone(t, s)
	if got := s.Phase(); got != PhaseClosed {
		t.Fatalf("expected closed after stop, got %s", got)
	}
}

func TestSessionAuthRejectionIsTerminal(t *testing.T) {
	srv, dials := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		readAuth(t, conn)
		conn.WriteJSON(map[string]any{"type": "auth_response", "success": false, "error": "invalid token"})
		conn.ReadMessage()
	})

	rec := newRecorder()
	s := New(1, Credentials{Token: "bad"}, rec.hooks(), fastOptions(wsBase(srv)))
	s.Start(context.Background())
	waitDone(t, s)

	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("expected auth rejection, got %v", err)
		}
		if Classify(err) != KindAuth {
			t.Fatalf("unexpected kind %s", Classify(err))
		}
	default:
		t.Fatal("auth error was not surfaced")
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("auth failure must not reconnect, got %d dials", got)
	}
	if got := s.Phase(); got != PhaseClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	for _, ev := range rec.drainPhases() {
		if ev.phase == PhaseOpen {
			t.Fatal("session must never be open after rejection")
		}
	}
}

func TestSessionGivesUpAfterRetryCeiling(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newRecorder()
	opts := fastOptions(wsBase(srv))
	s := New(1, Credentials{Token: "good"}, rec.hooks(), opts)
	s.Start(context.Background())
	waitDone(t, s)

	if got, want := dials.Load(), int32(1+opts.Backoff.MaxRetries); got != want {
		t.Fatalf("expected %d dials, got %d", want, got)
	}
	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("expected exhausted error, got %v", err)
		}
	default:
		t.Fatal("exhaustion was not surfaced")
	}

	var attempts []int
	for _, ev := range rec.drainPhases() {
		if ev.phase == PhaseConnecting {
			attempts = append(attempts, ev.attempt)
		}
	}
	want := []int{0, 1, 2, 3}
	if len(attempts) != len(want) {
		t.Fatalf("unexpected connecting attempts %v", attempts)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("unexpected connecting attempts %v", attempts)
		}
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newRecorder()
	opts := fastOptions(wsBase(srv))
	opts.Backoff = Backoff{Min: time.Hour, Max: time.Hour, Multiplier: 2, MaxRetries: 3}
	s := New(1, Credentials{Token: "good"}, rec.hooks(), opts)
	s.Start(context.Background())

	timeout := time.After(3 * time.Second)
	for waiting := true; waiting; {
		select {
		case ev := <-rec.phases:
			waiting = !(ev.phase == PhaseConnecting && ev.attempt == 1)
		case <-timeout:
			t.Fatal("reconnect was never scheduled")
		}
	}

	s.Stop()
	s.Stop()
	waitDone(t, s)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected no dial after stop, got %d", got)
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	srv, dials := newWSServer(t, func(n int32, conn *websocket.Conn) {
		readAuth(t, conn)
		conn.WriteJSON(map[string]any{"type": "auth_response", "success": true})
		if n == 1 {
			// drop without a close frame
			return
		}
		conn.WriteMessage(websocket.TextMessage, wireFrame(202, "back"))
		conn.ReadMessage()
	})

	rec := newRecorder()
	s := New(1, Credentials{Token: "good"}, rec.hooks(), fastOptions(wsBase(srv)))
	s.Start(context.Background())
	defer s.Stop()

	select {
	case msg := <-rec.messages:
		if msg.ID != 202 {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message after reconnect")
	}
	if got := dials.Load(); got != 2 {
		t.Fatalf("expected 2 dials, got %d", got)
	}

	opens := 0
	sawRetry := false
	for _, ev := range rec.drainPhases() {
		if ev.phase == PhaseOpen {
			opens++
		}
		if ev.phase == PhaseConnecting && ev.attempt == 1 {
			sawRetry = true
		}
	}
	if opens != 2 || !sawRetry {
		t.Fatalf("expected two opens with a retry in between, opens=%d retry=%v", opens, sawRetry)
	}
}

func TestSendBeforeOpenFails(t *testing.T) {
	s := New(1, Credentials{}, Hooks{}, DefaultOptions())
	if err := s.Send("hi", ""); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	s.Stop()
	waitDone(t, s)
	s.Start(context.Background())
	if got := s.Phase(); got != PhaseClosed {
		t.Fatalf("start after stop must be a no-op, got %s", got)
	}
}
