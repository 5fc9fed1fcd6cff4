package chat

import (
	"time"

	"github.com/google/uuid"
)

// PendingIDBase 本地回显 id 的下界，服务端 id 远小于它
const PendingIDBase int64 = 1 << 62

// IsSyntheticID 判断 id 是否为本地回显 id
func IsSyntheticID(id int64) bool {
	return id >= PendingIDBase
}

// PendingIDs 依据发送时间生成回显 id，同一时刻多次发送也严格递增。
// 非并发安全，由调用方加锁。
type PendingIDs struct {
	last int64
}

func (p *PendingIDs) Next(now time.Time) int64 {
	id := PendingIDBase + now.UnixNano()
	if id <= p.last {
		id = p.last + 1
	}
	p.last = id
	return id
}

// NewPendingEcho 构建本地用户即将发送消息的乐观回显，并分配 client id。
func NewPendingEcho(id, roomID int64, sender SenderProfile, content string, now time.Time) TimelineMessage {
	profile := sender
	return TimelineMessage{
		ID:        id,
		Content:   content,
		RoomID:    roomID,
		SenderID:  sender.ID,
		Sender:    &profile,
		Timestamp: now.UTC(),
		Type:      MessageTypeText,
		Pending:   true,
		ClientID:  uuid.NewString(),
	}
}
