// Package session 提供界面层使用的会话控制器：切换房间、发送消息、
// 加载历史、观察连接状态。控制器同一时间只持有一个房间的会话。
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-chat/client/internal/metrics"
	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/internal/service/api"
	"github.com/zhouzirui/z-chat/client/internal/service/socket"
	"github.com/zhouzirui/z-chat/client/internal/timeline"
)

// DefaultHistoryLimit 每页历史消息条数
const DefaultHistoryLimit = 50

// ErrNoRoom 表示当前没有选中的房间。
var ErrNoRoom = errors.New("no room selected")

// RoomDirectory 房间目录
type RoomDirectory interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
	GetRoom(ctx context.Context, id int64) (chat.Room, error)
	CreateRoom(ctx context.Context, name, description string) (chat.Room, error)
}

// HistoryLoader 历史消息加载器。Offset 0 表示最新一页。
type HistoryLoader interface {
	GetMessages(ctx context.Context, roomID int64, q chat.PageQuery) (chat.Page, error)
}

// SocketSession 控制器依赖的实时会话能力。Start 不得同步调用 hooks，
// Stop 必须幂等且不等待内部 goroutine。
type SocketSession interface {
	Start(ctx context.Context)
	Stop()
	Send(content, clientID string) error
}

// SocketFactory 为房间创建实时会话。
type SocketFactory func(roomID int64, hooks socket.Hooks) SocketSession

// NewSocketFactory 返回基于 socket.Session 的工厂。
func NewSocketFactory(creds socket.Credentials, opts socket.Options) SocketFactory {
	return func(roomID int64, hooks socket.Hooks) SocketSession {
		return socket.New(roomID, creds, hooks, opts)
	}
}

// Config 控制器配置
type Config struct {
	User          chat.SenderProfile // 本地用户，用于生成乐观回显
	HistoryLimit  int
	EchoTolerance time.Duration
	Logger        zerolog.Logger
	// Observer 在每次状态变更后收到最新快照。它在控制器锁之外调用，
	// 可以调用 State，但快照可能乱序到达，按 Version 取最新即可。
	Observer func(State)
}

// Deps 控制器的外部协作者
type Deps struct {
	Rooms   RoomDirectory
	History HistoryLoader
	Sockets SocketFactory
}

// State 当前会话的只读快照
type State struct {
	Version      uint64
	Room         *chat.Room
	Phase        socket.Phase
	Reconnecting bool
	Attempt      int
	Messages     []chat.TimelineMessage
	Err          error
	Loading      bool
	HasMore      bool
}

// Controller 会话控制器
type Controller struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	gen      uint64
	version  uint64
	room     *chat.Room
	sock     SocketSession
	timeline *timeline.Store
	ids      chat.PendingIDs
	phase    socket.Phase
	attempt  int
	err      error
	inflight int // 未完成的历史请求数
	hasMore  bool
	paged    bool // 已合并过更早的一页，首屏的 HasNext 不再覆盖 hasMore
}

// New 创建控制器。deps 的三个字段都必须非空。
func New(cfg Config, deps Deps) *Controller {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.EchoTolerance <= 0 {
		cfg.EchoTolerance = timeline.DefaultTolerance
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      cfg.Logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		timeline: timeline.New(cfg.EchoTolerance),
		phase:    socket.PhaseIdle,
	}
}

// Rooms 列出可加入的房间。
func (c *Controller) Rooms(ctx context.Context) ([]chat.Room, error) {
	return c.deps.Rooms.ListRooms(ctx)
}

// CreateRoom 创建房间但不切换过去。
func (c *Controller) CreateRoom(ctx context.Context, name, description string) (chat.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Room{}, chat.ErrRoomNameRequired
	}
	return c.deps.Rooms.CreateRoom(ctx, name, strings.TrimSpace(description))
}

// SelectRoom 切换到 room，nil 表示离开当前房间。旧会话在返回前被同步拆除；
// ctx 决定新会话及其首屏历史加载的生命周期。
func (c *Controller) SelectRoom(ctx context.Context, room *chat.Room) {
	c.mu.Lock()
	c.selectLocked(ctx, room)
}

// SelectRoomByID 通过房间目录解析房间后切换。解析期间若已切换到别的房间，
// 结果被丢弃。
func (c *Controller) SelectRoomByID(ctx context.Context, id int64) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	room, err := c.deps.Rooms.GetRoom(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		metrics.StaleResults.WithLabelValues("directory").Inc()
		c.log.Debug().Int64("room_id", id).Msg("discarding stale room lookup")
		return nil
	}
	c.selectLocked(ctx, &room)
	return nil
}

// Close 离开当前房间。
func (c *Controller) Close() {
	c.SelectRoom(context.Background(), nil)
}

// selectLocked 在持有 c.mu 时调用，返回前释放锁。旧会话在锁外停止，
// 递增 gen 之后它的 hooks 即使仍被调用也会被丢弃。
func (c *Controller) selectLocked(ctx context.Context, room *chat.Room) {
	old := c.sock
	c.sock = nil
	c.gen++
	gen := c.gen

	c.timeline.Reset()
	c.phase = socket.PhaseIdle
	c.attempt = 0
	c.err = nil
	c.hasMore = false
	c.paged = false

	if room == nil {
		c.room = nil
		c.inflight = 0
		c.phase = socket.PhaseClosed
		snap := c.snapshotLocked()
		c.mu.Unlock()
		stopSocket(old)
		c.log.Info().Msg("left room")
		c.notify(snap)
		return
	}

	r := *room
	c.room = &r
	c.inflight = 1
	c.sock = c.deps.Sockets(r.ID, c.hooksFor(gen))
	c.sock.Start(ctx)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	stopSocket(old)

	c.log.Info().Int64("room_id", r.ID).Str("room", r.Name).Msg("joined room")
	c.notify(snap)
	go c.loadInitial(ctx, gen, r.ID)
}

// Send 乐观插入一条待确认消息并发送，不等待服务端确认。未选中房间、
// 连接未打开或内容为空时为空操作。
func (c *Controller) Send(content string) (chat.TimelineMessage, bool) {
	if strings.TrimSpace(content) == "" {
		return chat.TimelineMessage{}, false
	}

	c.mu.Lock()
	if c.room == nil || c.sock == nil || c.phase != socket.PhaseOpen {
		c.mu.Unlock()
		return chat.TimelineMessage{}, false
	}
	now := c.now()
	echo := chat.NewPendingEcho(c.ids.Next(now), c.room.ID, c.cfg.User, content, now)
	c.timeline.InsertOptimistic(echo)
	sock := c.sock
	roomID := c.room.ID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if err := sock.Send(content, echo.ClientID); err != nil {
		// 回显保持未确认状态
		c.log.Warn().Err(err).Int64("room_id", roomID).Msg("send failed")
	}
	return echo, true
}

// LoadOlder 加载 offset 处的更早一页并前插到时间线。请求期间若已切换房间，
// 结果被静默丢弃。
func (c *Controller) LoadOlder(ctx context.Context, offset int) error {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return ErrNoRoom
	}
	gen := c.gen
	roomID := c.room.ID
	c.inflight++
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	page, err := c.deps.History.GetMessages(ctx, roomID, chat.PageQuery{Limit: c.cfg.HistoryLimit, Offset: offset})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.discardStale("history", roomID)
		return nil
	}
	c.inflight--
	if err != nil {
		if isFatal(err) {
			c.err = err
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.Warn().Err(err).Int64("room_id", roomID).Int("offset", offset).Msg("load older failed")
		c.notify(snap)
		return err
	}

	msgs, dropped := chat.NormalizePage(page)
	added := c.timeline.Prepend(msgs)
	c.hasMore = page.HasNext
	c.paged = true
	snap = c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug().Int64("room_id", roomID).Int("added", added).Int("dropped", dropped).Msg("loaded older page")
	c.notify(snap)
	return nil
}

// LoadMore 加载紧接当前已确认消息之后的更早一页。
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	offset := 0
	for _, msg := range c.timeline.Messages() {
		if !msg.Pending {
			offset++
		}
	}
	c.mu.Unlock()
	if offset == 0 {
		offset = c.cfg.HistoryLimit
	}
	return c.LoadOlder(ctx, offset)
}

// State 返回当前快照。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) loadInitial(ctx context.Context, gen uint64, roomID int64) {
	page, err := c.deps.History.GetMessages(ctx, roomID, chat.PageQuery{Limit: c.cfg.HistoryLimit})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.discardStale("history", roomID)
		return
	}
	c.inflight--
	if err != nil {
		// 临时失败只影响首屏，连接仍可用，用户可以重试加载
		if isFatal(err) {
			c.err = err
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Int64("room_id", roomID).Msg("initial history load failed")
		}
		c.notify(snap)
		return
	}

	msgs, dropped := chat.NormalizePage(page)
	if c.timeline.Len() == 0 {
		c.timeline.ReplaceAll(msgs)
	} else {
		// 页面到达前已有实时消息、本地回显或更早的一页：逐条合并，
		// 已有的跳过，页面里已确认的回显被提升。
		for _, msg := range msgs {
			c.timeline.Reconcile(msg)
		}
	}
	if !c.paged {
		c.hasMore = page.HasNext
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug().Int64("room_id", roomID).Int("messages", len(msgs)).Int("dropped", dropped).Msg("initial history loaded")
	c.notify(snap)
}

func (c *Controller) hooksFor(gen uint64) socket.Hooks {
	return socket.Hooks{
		OnPhase: func(phase socket.Phase, attempt int) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				c.discardStale("socket", 0)
				return
			}
			c.phase = phase
			c.attempt = attempt
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
		},
		OnMessage: func(msg chat.TimelineMessage) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				c.discardStale("socket", msg.RoomID)
				return
			}
			outcome := c.timeline.Reconcile(msg)
			snap := c.snapshotLocked()
			c.mu.Unlock()

			metrics.ReconcileOutcomes.WithLabelValues(string(outcome)).Inc()
			if outcome != timeline.OutcomeDuplicate {
				c.notify(snap)
			}
		},
		OnError: func(err error) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				c.discardStale("socket", 0)
				return
			}
			c.err = err
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.log.Error().Err(err).Str("kind", string(socket.Classify(err))).Msg("realtime session failed")
			c.notify(snap)
		},
	}
}

func (c *Controller) discardStale(source string, roomID int64) {
	metrics.StaleResults.WithLabelValues(source).Inc()
	c.log.Debug().Str("source", source).Int64("room_id", roomID).Msg("discarding stale result")
}

func (c *Controller) snapshotLocked() State {
	c.version++
	var room *chat.Room
	if c.room != nil {
		r := *c.room
		room = &r
	}
	return State{
		Version:      c.version,
		Room:         room,
		Phase:        c.phase,
		Reconnecting: c.phase == socket.PhaseConnecting && c.attempt > 0,
		Attempt:      c.attempt,
		Messages:     c.timeline.Messages(),
		Err:          c.err,
		Loading:      c.inflight > 0,
		HasMore:      c.hasMore,
	}
}

func stopSocket(sock SocketSession) {
	if sock != nil {
		sock.Stop()
	}
}

func (c *Controller) notify(s State) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(s)
	}
}

// isFatal 报告错误是否应该展示为会话级错误而不只是本次操作失败。
func isFatal(err error) bool {
	return errors.Is(err, socket.ErrAuthRejected) || errors.Is(err, api.ErrUnauthorized)
}
