package socket

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Backoff 重连退避参数
type Backoff struct {
	Min        time.Duration // 首次等待
	Max        time.Duration // 等待上限
	Multiplier float64
	MaxRetries int // 放弃前允许的重连次数，不含首次拨号
}

// DefaultBackoff 默认退避参数
func DefaultBackoff() Backoff {
	return Backoff{
		Min:        500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		MaxRetries: 8,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Min <= 0 {
		b.Min = def.Min
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = def.MaxRetries
	}
	return b
}

// Delay 返回第 attempt 次重连（从 1 开始）前的等待时间，单调不减且不超过 Max。
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Min) * math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Schedule 列出所有允许的重连等待时间。
func (b Backoff) Schedule() []time.Duration {
	b = b.withDefaults()
	out := make([]time.Duration, 0, b.MaxRetries)
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		out = append(out, b.Delay(attempt))
	}
	return out
}

// Endpoint 拼接房间的实时连接地址，http(s) 自动换成 ws(s)。
func Endpoint(base string, roomID int64) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if u, err := url.Parse(base); err == nil {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		base = u.String()
	}
	return base + "/ws/rooms/" + strconv.FormatInt(roomID, 10)
}
