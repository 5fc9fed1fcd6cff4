package devserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

// PebbleLog 用 PebbleDB 持久化已确认的消息。
// 键为 8 字节大端序消息 id，迭代顺序即 id 顺序。
type PebbleLog struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenPebbleLog 打开（或创建）dir 下的消息日志。
func OpenPebbleLog(dir string) (*PebbleLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "messages"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &PebbleLog{db: db}, nil
}

func messageKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Append 写入一条消息。
func (l *PebbleLog) Append(msg chat.WireMessage) error {
	val, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Set(messageKey(msg.ID), val, pebble.Sync)
}

// LoadAll 按 id 顺序读取全部消息，无法解析的记录被跳过。
func (l *PebbleLog) LoadAll() ([]chat.WireMessage, error) {
	it, err := l.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]chat.WireMessage, 0, 256)
	for it.First(); it.Valid(); it.Next() {
		var msg chat.WireMessage
		if err := json.Unmarshal(it.Value(), &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

// LastID 返回日志中最大的消息 id，空日志返回 0。
func (l *PebbleLog) LastID() (int64, error) {
	it, err := l.db.NewIter(nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() && len(it.Key()) >= 8 {
		return int64(binary.BigEndian.Uint64(it.Key()[:8])), nil
	}
	return 0, nil
}

// Close 关闭数据库。
func (l *PebbleLog) Close() error {
	return l.db.Close()
}
