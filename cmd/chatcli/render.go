package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/internal/service/session"
	"github.com/zhouzirui/z-chat/client/internal/service/socket"
)

// renderer 把控制器快照增量打印到终端。Observer 可能并发调用，
// 旧版本快照直接忽略。
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	self    int64
	version uint64
	phase   socket.Phase
	attempt int
	errText string
	printed map[int64]struct{}
	echoed  map[string]struct{} // 已作为待确认消息打印过的 client id
}

func newRenderer(out io.Writer, self int64) *renderer {
	return &renderer{
		out:     out,
		self:    self,
		printed: make(map[int64]struct{}),
		echoed:  make(map[string]struct{}),
	}
}

// Render 打印 st 相对上一次快照新增的内容。
func (r *renderer) Render(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st.Version <= r.version {
		return
	}
	r.version = st.Version

	if st.Phase != r.phase || st.Attempt != r.attempt {
		r.phase, r.attempt = st.Phase, st.Attempt
		fmt.Fprintln(r.out, formatStatus(st))
	}

	for _, msg := range st.Messages {
		if _, ok := r.printed[msg.ID]; ok {
			continue
		}
		r.printed[msg.ID] = struct{}{}
		if msg.ClientID != "" {
			if _, ok := r.echoed[msg.ClientID]; ok {
				// 本地回显已打印，确认不再重复输出
				continue
			}
			if msg.Pending {
				r.echoed[msg.ClientID] = struct{}{}
			}
		}
		fmt.Fprintln(r.out, formatMessage(msg, r.self))
	}

	errText := ""
	if st.Err != nil {
		errText = st.Err.Error()
	}
	if errText != r.errText {
		r.errText = errText
		if errText != "" {
			fmt.Fprintf(r.out, "! %s\n", errText)
		}
	}
}

// Notice 打印一行提示。
func (r *renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "* "+format+"\n", args...)
}

func formatStatus(st session.State) string {
	switch {
	case st.Reconnecting:
		return fmt.Sprintf("* 重新连接中（第 %d 次）", st.Attempt)
	case st.Phase == socket.PhaseOpen:
		if st.Room != nil {
			return fmt.Sprintf("* 已连接 #%s", st.Room.Name)
		}
		return "* 已连接"
	default:
		return fmt.Sprintf("* %s", st.Phase)
	}
}

func formatMessage(msg chat.TimelineMessage, self int64) string {
	name := msg.Sender.DisplayName()
	if name == "" {
		name = fmt.Sprintf("user-%d", msg.SenderID)
	}
	if msg.SenderID == self && self != 0 {
		name += " (me)"
	}

	body := msg.Content
	if a, ok := chat.ParseAttachment(msg.Content); ok {
		body = fmt.Sprintf("[附件] %s <%s>", a.Name, a.URL)
	}

	line := fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04:05"), name, body)
	if msg.Pending {
		line += " …"
	}
	return line
}

func formatRoom(room chat.Room) string {
	line := fmt.Sprintf("%d\t#%s\t%d 人", room.ID, room.Name, room.MemberCount)
	if room.Description != "" {
		line += "\t" + room.Description
	}
	if room.LastMessage != nil {
		line += fmt.Sprintf("\t最新: %s: %s", room.LastMessage.SenderName, room.LastMessage.Content)
	}
	return line
}
