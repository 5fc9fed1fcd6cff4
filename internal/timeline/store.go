// Package timeline 维护当前房间按时间排序且无重复的消息列表。
// Store 归单个控制器所有，非并发安全。
package timeline

import (
	"slices"
	"time"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

// DefaultTolerance 按内容匹配回显时允许的时间差
const DefaultTolerance = time.Second

// Outcome Reconcile 的处理结果
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePromoted  Outcome = "promoted"
	OutcomeAppended  Outcome = "appended"
)

// Store 消息按时间戳非递减排列，id 唯一
type Store struct {
	items     []chat.TimelineMessage
	tolerance time.Duration
}

// New 创建空时间线，tolerance 非正时使用 DefaultTolerance。
func New(tolerance time.Duration) *Store {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Store{tolerance: tolerance}
}

// ReplaceAll 整体替换时间线，重复 id 保留最后一条。
func (s *Store) ReplaceAll(msgs []chat.TimelineMessage) {
	s.items = dedupe(msgs)
	s.sort()
}

// Prepend 合并更早的一页，已存在的消息跳过，返回新增条数。
func (s *Store) Prepend(older []chat.TimelineMessage) int {
	known := s.ids()
	fresh := make([]chat.TimelineMessage, 0, len(older))
	for _, msg := range dedupe(older) {
		if _, ok := known[msg.ID]; ok {
			continue
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return 0
	}
	s.items = append(fresh, s.items...)
	s.sort()
	return len(fresh)
}

// InsertOptimistic 插入待确认的本地回显
func (s *Store) InsertOptimistic(pending chat.TimelineMessage) {
	if s.indexOf(pending.ID) >= 0 {
		return
	}
	s.items = append(s.items, pending)
	s.sort()
}

// Reconcile 应用一条服务端确认的消息：已存在则忽略，能匹配回显则替换，否则追加。
func (s *Store) Reconcile(confirmed chat.TimelineMessage) Outcome {
	if s.indexOf(confirmed.ID) >= 0 {
		return OutcomeDuplicate
	}

	confirmed.Pending = false
	if idx := s.matchPending(confirmed); idx >= 0 {
		s.items[idx] = confirmed
		s.sort()
		return OutcomePromoted
	}

	s.items = append(s.items, confirmed)
	s.sort()
	return OutcomeAppended
}

// matchPending 查找确认消息对应的回显。带 client id 时只按 client id 匹配；
// 否则取窗口内同一发送者、内容相同的第一条回显，窗口内两次相同发送可能交换顺序。
func (s *Store) matchPending(confirmed chat.TimelineMessage) int {
	if confirmed.ClientID != "" {
		for i, msg := range s.items {
			if msg.Pending && msg.ClientID == confirmed.ClientID {
				return i
			}
		}
		return -1
	}
	for i, msg := range s.items {
		if !msg.Pending || msg.SenderID != confirmed.SenderID || msg.Content != confirmed.Content {
			continue
		}
		if absDuration(msg.Timestamp.Sub(confirmed.Timestamp)) <= s.tolerance {
			return i
		}
	}
	return -1
}

// Messages 返回时间线副本
func (s *Store) Messages() []chat.TimelineMessage {
	return slices.Clone(s.items)
}

// Pending 返回仍未确认的回显
func (s *Store) Pending() []chat.TimelineMessage {
	var out []chat.TimelineMessage
	for _, msg := range s.items {
		if msg.Pending {
			out = append(out, msg)
		}
	}
	return out
}

// Oldest 返回最早的一条消息
func (s *Store) Oldest() (chat.TimelineMessage, bool) {
	if len(s.items) == 0 {
		return chat.TimelineMessage{}, false
	}
	return s.items[0], true
}

func (s *Store) Len() int { return len(s.items) }

func (s *Store) Reset() { s.items = nil }

func (s *Store) sort() {
	slices.SortStableFunc(s.items, func(a, b chat.TimelineMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func (s *Store) indexOf(id int64) int {
	for i, msg := range s.items {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) ids() map[int64]struct{} {
	known := make(map[int64]struct{}, len(s.items))
	for _, msg := range s.items {
		known[msg.ID] = struct{}{}
	}
	return known
}

func dedupe(msgs []chat.TimelineMessage) []chat.TimelineMessage {
	last := make(map[int64]int, len(msgs))
	for i, msg := range msgs {
		last[msg.ID] = i
	}
	out := make([]chat.TimelineMessage, 0, len(last))
	for i, msg := range msgs {
		if last[msg.ID] == i {
			out = append(out, msg)
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
