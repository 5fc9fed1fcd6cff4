package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
	"github.com/zhouzirui/z-chat/client/pkg/utils"
)

// ErrInvalidToken 表示令牌不在令牌表中。
var ErrInvalidToken = errors.New("invalid token")

// User 已认证的用户
type User struct {
	ID       int64
	Username string
}

// Profile 返回消息中携带的发送者资料。
func (u User) Profile() *chat.SenderProfile {
	return &chat.SenderProfile{ID: u.ID, Username: u.Username}
}

// Tokens 是静态令牌表：token → 用户。
type Tokens map[string]User

// ParseTokens 解析 "token:userID:username,..." 格式的令牌表。
func ParseTokens(raw string) (Tokens, error) {
	tokens := make(Tokens)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid token entry %q: want token:userID:username", entry)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id in token entry %q", entry)
		}
		tokens[parts[0]] = User{ID: id, Username: parts[2]}
	}
	return tokens, nil
}

// Lookup 校验令牌。
func (t Tokens) Lookup(token string) (User, error) {
	user, ok := t[token]
	if !ok || token == "" {
		return User{}, ErrInvalidToken
	}
	return user, nil
}

// middleware 校验 REST 请求的 Bearer 令牌。
func (t Tokens) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := t.Lookup(strings.TrimSpace(token)); err != nil {
			utils.RespondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
