// Package socket 实现单个房间的实时连接会话：带内认证、心跳、指数退避重连。
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-chat/client/internal/metrics"
	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

// Phase 表示会话所处的连接阶段。
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseOpen           Phase = "open"
	PhaseClosing        Phase = "closing"
	PhaseClosed         Phase = "closed"
)

// Conn 是会话依赖的最小连接能力，*websocket.Conn 满足该接口。
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer 建立传输层连接。
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer 使用 gorilla/websocket 拨号。
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// DialContext 实现 Dialer。
func (d WebsocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options 会话配置选项
type Options struct {
	BaseURL          string        // 实时服务根地址，如 ws://host:8080
	HandshakeTimeout time.Duration // 拨号超时
	AuthTimeout      time.Duration // 等待 auth_response 的超时
	WriteTimeout     time.Duration // 单帧写入超时
	PongWait         time.Duration // 读超时，收到 pong 或任意帧后顺延
	PingInterval     time.Duration // Ping 间隔，应小于 PongWait
	Backoff          Backoff
	Dialer           Dialer
	Logger           zerolog.Logger
}

// DefaultOptions 默认会话选项
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		AuthTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     30 * time.Second,
		Backoff:          DefaultBackoff(),
		Logger:           zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = def.AuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout}}
	}
	return o
}

// Credentials 认证所需的凭据。
type Credentials struct {
	Token string
}

// Hooks 会话事件回调。回调在会话内部 goroutine 中执行，Stop 之后不会再被调用。
type Hooks struct {
	OnPhase   func(phase Phase, attempt int)
	OnMessage func(msg chat.TimelineMessage)
	OnError   func(err error)
}

// Session 绑定单个房间的实时连接。
type Session struct {
	roomID int64
	creds  Credentials
	opts   Options
	url    string
	log    zerolog.Logger

	mu      sync.Mutex
	phase   Phase
	attempt int
	hooks   Hooks
	conn    Conn
	cancel  context.CancelFunc
	started bool
	stopped bool
	done    chan struct{}

	writeMu sync.Mutex
}

// New 创建会话，调用 Start 后才会拨号。
func New(roomID int64, creds Credentials, hooks Hooks, opts Options) *Session {
	opts = opts.withDefaults()
	url := Endpoint(opts.BaseURL, roomID)
	return &Session{
		roomID: roomID,
		creds:  creds,
		opts:   opts,
		url:    url,
		log:    opts.Logger.With().Str("component", "socket").Int64("room_id", roomID).Logger(),
		phase:  PhaseIdle,
		hooks:  hooks,
		done:   make(chan struct{}),
	}
}

// RoomID 返回会话绑定的房间。
func (s *Session) RoomID() int64 { return s.roomID }

// URL 返回实时端点地址。
func (s *Session) URL() string { return s.url }

// Phase 返回当前阶段。
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done 在会话 goroutine 退出后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

// Start 开始连接。重复调用或在 Stop 之后调用为空操作。
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	go s.run(ctx)
}

// Stop 关闭会话并取消任何待执行的重连。幂等，不等待内部 goroutine 退出。
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.hooks = Hooks{}
	s.phase = PhaseClosing
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(s.opts.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		_ = conn.Close()
	}

	s.mu.Lock()
	s.phase = PhaseClosed
	s.mu.Unlock()

	if !started {
		close(s.done)
	}
	s.log.Debug().Msg("session stopped")
}

// Send 发送一条聊天消息，仅在 open 阶段可用。
func (s *Session) Send(content, clientID string) error {
	s.mu.Lock()
	conn := s.conn
	open := s.phase == PhaseOpen && !s.stopped
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	frame := SendFrame{Type: FrameMessage, Content: content, RoomID: s.roomID, ClientID: clientID}
	if err := s.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer metrics.ActiveSessions.Dec()

	attempt := 0
	for {
		opened, err := s.connectOnce(ctx, attempt)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0
		}

		if errors.Is(err, ErrAuthRejected) {
			metrics.AuthFailures.Inc()
			s.log.Error().Err(err).Msg("authentication rejected")
			s.finish(err)
			return
		}
		if !IsRetryable(err) {
			s.log.Error().Err(err).Msg("session failed")
			s.finish(err)
			return
		}

		attempt++
		if attempt > s.opts.Backoff.MaxRetries {
			exhausted := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.opts.Backoff.MaxRetries, err)
			s.log.Error().Err(err).Int("max_retries", s.opts.Backoff.MaxRetries).Msg("giving up reconnecting")
			s.finish(exhausted)
			return
		}

		delay := s.opts.Backoff.Delay(attempt)
		metrics.ReconnectAttempts.Inc()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, scheduling reconnect")
		s.setPhase(PhaseConnecting, attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce 完成一次拨号、认证和读循环。opened 表示本次是否进入过 open 阶段。
func (s *Session) connectOnce(ctx context.Context, attempt int) (opened bool, err error) {
	s.setPhase(PhaseConnecting, attempt)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	conn, err := s.opts.Dialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		metrics.SocketDials.WithLabelValues("error").Inc()
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	metrics.SocketDials.WithLabelValues("ok").Inc()

	if !s.attach(conn) {
		_ = conn.Close()
		return false, context.Canceled
	}
	defer s.detach(conn)

	s.setPhase(PhaseAuthenticating, attempt)
	auth := AuthFrame{Type: FrameAuth, Token: s.creds.Token, RoomID: s.roomID}
	if err := s.writeFrame(conn, auth); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}
	if err := s.awaitAuth(conn); err != nil {
		return false, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	s.setPhase(PhaseOpen, 0)
	s.log.Info().Msg("realtime session open")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	return true, s.readLoop(conn)
}

// awaitAuth 读取帧直到收到 auth_response，期间的其他帧被丢弃。
func (s *Session) awaitAuth(conn Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth response: %w", err)
		}
		frame, err := DecodeServerFrame(data)
		if err != nil {
			s.drop("malformed", err)
			continue
		}
		if frame.Type != FrameAuthResponse {
			s.drop("unexpected", fmt.Errorf("frame %q before auth_response", frame.Type))
			continue
		}
		if !*frame.Success {
			if frame.Error != "" {
				return fmt.Errorf("%w: %s", ErrAuthRejected, frame.Error)
			}
			return ErrAuthRejected
		}
		return nil
	}
}

func (s *Session) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("read: %w", err)
			}
			return fmt.Errorf("connection closed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	frame, err := DecodeServerFrame(data)
	if err != nil {
		s.drop("malformed", err)
		return
	}

	switch frame.Type {
	case FrameMessage:
		msg, err := chat.Normalize(*frame.Message)
		if err != nil {
			s.drop("malformed", err)
			return
		}
		if msg.RoomID != s.roomID {
			s.drop("unexpected", fmt.Errorf("message for room %d", msg.RoomID))
			return
		}
		s.emitMessage(msg)
	case FrameTyping, FramePresence, FramePong:
		metrics.FramesDropped.WithLabelValues("ignored").Inc()
	case FrameError:
		s.log.Warn().Str("server_error", frame.Error).Msg("server reported error")
	default:
		s.drop("unexpected", fmt.Errorf("unknown frame type %q", frame.Type))
	}
}

func (s *Session) drop(reason string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	s.log.Warn().Err(err).Str("reason", reason).Msg("dropping inbound frame")
}

// pingLoop 定期发送 ping 消息
func (s *Session) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				// 读循环会因读超时退出并触发重连
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) writeFrame(conn Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (s *Session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) setPhase(phase Phase, attempt int) {
	s.mu.Lock()
	if s.stopped || (s.phase == phase && s.attempt == attempt) {
		s.mu.Unlock()
		return
	}
	s.phase = phase
	s.attempt = attempt
	hook := s.hooks.OnPhase
	s.mu.Unlock()

	s.log.Debug().Str("phase", string(phase)).Int("attempt", attempt).Msg("phase changed")
	if hook != nil {
		hook(phase, attempt)
	}
}

func (s *Session) emitMessage(msg chat.TimelineMessage) {
	s.mu.Lock()
	hook := s.hooks.OnMessage
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || hook == nil {
		return
	}
	hook(msg)
}

// finish 进入终止阶段并上报错误。
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	onErr := s.hooks.OnError
	s.mu.Unlock()

	if onErr != nil && err != nil {
		onErr(err)
	}
	s.setPhase(PhaseClosed, 0)
}
