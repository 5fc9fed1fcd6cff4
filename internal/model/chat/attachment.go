package chat

import (
	"encoding/json"
	"strings"
)

// Attachment 已完成上传的附件描述，以 JSON 作为普通消息内容传输
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ParseAttachment 判断消息内容是否为附件描述
func ParseAttachment(content string) (Attachment, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return Attachment{}, false
	}
	var a Attachment
	if err := json.Unmarshal([]byte(trimmed), &a); err != nil {
		return Attachment{}, false
	}
	if a.URL == "" || a.Name == "" {
		return Attachment{}, false
	}
	return a, true
}
