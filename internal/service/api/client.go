// Package api 实现房间目录与历史消息的 REST 客户端。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-chat/client/internal/model/chat"
)

var (
	// ErrUnauthorized 表示凭据无效或已过期（HTTP 401）。
	ErrUnauthorized     = errors.New("unauthorized")
	// ErrResponseTooLarge 响应体超过 MaxResponseBytes
	ErrResponseTooLarge = errors.New("response body too large")
)

// DefaultMaxResponseBytes 响应体默认上限，足够容纳最大一页历史（200 条 × 8 KiB）。
const DefaultMaxResponseBytes = 4 << 20

// StatusError 描述 401 以外的错误响应。
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// NotFound 报告资源是否不存在。
func (e *StatusError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Client REST 客户端
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger

	// MaxResponseBytes 非正时使用 DefaultMaxResponseBytes
	MaxResponseBytes int64
}

// NewClient 创建客户端，baseURL 形如 http://host:8080。
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:          strings.TrimRight(baseURL, "/"),
		Token:            token,
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		Logger:           zerolog.Nop(),
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// ListRooms GET /api/rooms
func (c *Client) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	if err := c.doRequest(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// GetRoom GET /api/rooms/{id}
func (c *Client) GetRoom(ctx context.Context, id int64) (chat.Room, error) {
	var room chat.Room
	path := "/api/rooms/" + strconv.FormatInt(id, 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &room); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.NotFound() {
			return chat.Room{}, fmt.Errorf("get room %d: %w", id, chat.ErrRoomNotFound)
		}
		return chat.Room{}, fmt.Errorf("get room %d: %w", id, err)
	}
	return room, nil
}

// CreateRoom POST /api/rooms
func (c *Client) CreateRoom(ctx context.Context, name, description string) (chat.Room, error) {
	payload := struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}{Name: name, Description: description}

	var room chat.Room
	if err := c.doRequest(ctx, http.MethodPost, "/api/rooms", payload, &room); err != nil {
		return chat.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// GetMessages GET /api/rooms/{id}/messages?limit=&offset=
func (c *Client) GetMessages(ctx context.Context, roomID int64, q chat.PageQuery) (chat.Page, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page chat.Page
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return chat.Page{}, fmt.Errorf("get messages for room %d: %w", roomID, err)
	}
	return page, nil
}

// doRequest 执行请求并把响应体解码到 out。
func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > limit {
		return fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	c.Logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
