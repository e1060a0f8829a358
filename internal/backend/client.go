// Package backend は部屋・ユーザーの正本を持つ外部RESTバックエンドのクライアントです
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/dedup"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	StatusSuccess = "Success"
	StatusError   = "Error"

	maxResponseBytes = 1 << 20 // 1MB
)

var (
	// ErrTransport は通信失敗・タイムアウト・5xx応答を表します
	ErrTransport = errors.New("backend transport failure")
	// ErrMalformed は応答が想定外の形式だったことを表します
	ErrMalformed = errors.New("backend returned malformed payload")
)

// HTTPError は4xx応答を表します
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.StatusCode, e.Body)
}

// Envelope はバックエンドの共通応答形式です
// statusが"Success"でもmessageやdataに占有エラーが含まれることがあります
type Envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RoomFilter はルーム一覧の絞り込み条件です
type RoomFilter struct {
	Status models.RoomStatus
	HostID string
}

// API はReservationServiceなどが利用するバックエンド操作です
type API interface {
	ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error)
	Join(ctx context.Context, callerID, hostID string) (Envelope, error)
	UpdateRoomStatus(ctx context.Context, hostID string, status models.RoomStatus) error
	CloseOccupancy(ctx context.Context, callerID, hostID, roomID string) error
	ListBroadcasters(ctx context.Context) ([]models.Broadcaster, error)
}

// Client はAPIのHTTP実装です
// すべての呼び出しはメソッド+URL+ボディをキーに重複排除されます
type Client struct {
	baseURL string
	http    *http.Client
	group   *dedup.Group
}

// NewClient は新しいClientを作成します
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		group:   dedup.New(),
	}
}

// ListRooms はフィルタに一致するルーム一覧を取得します
func (c *Client) ListRooms(ctx context.Context, f RoomFilter) ([]models.Room, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.HostID != "" {
		q.Set("host_id", f.HostID)
	}
	path := "/api/rooms"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var rooms []models.Room
	if err := c.getList(ctx, path, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Join はcallerをホストのチャンネルに参加させます
// HTTPレベルの成功でもエンベロープの内容で失敗の場合があるため、解釈は呼び出し側が行います
func (c *Client) Join(ctx context.Context, callerID, hostID string) (Envelope, error) {
	body, err := json.Marshal(map[string]string{"caller_id": callerID, "host_id": hostID})
	if err != nil {
		return Envelope{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/rooms/join", body)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: join: %v", ErrMalformed, err)
	}
	if env.Status == "" {
		return env, fmt.Errorf("%w: join: missing status", ErrMalformed)
	}
	return env, nil
}

// UpdateRoomStatus はホストのルーム状態を更新します（finished/waitingなど）
func (c *Client) UpdateRoomStatus(ctx context.Context, hostID string, status models.RoomStatus) error {
	body, err := json.Marshal(map[string]string{"host_id": hostID, "status": string(status)})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/rooms/status", body)
}

// CloseOccupancy はcallerの占有レコードを閉じます
func (c *Client) CloseOccupancy(ctx context.Context, callerID, hostID, roomID string) error {
	body, err := json.Marshal(map[string]string{"caller_id": callerID, "host_id": hostID, "room_id": roomID})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/rooms/leave", body)
}

// ListBroadcasters は配信者ディレクトリを取得します
func (c *Client) ListBroadcasters(ctx context.Context) ([]models.Broadcaster, error) {
	var out []models.Broadcaster
	if err := c.getList(ctx, "/api/broadcasters", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if env.Status == StatusError {
		return &HTTPError{StatusCode: resp.StatusCode, Body: env.Message}
	}
	return nil
}

func (c *Client) getList(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

// do はリクエストを送信します。同一キーの実行中リクエストがあればその結果を共有します
func (c *Client) do(ctx context.Context, method, path string, body []byte) (dedup.Response, error) {
	target := c.baseURL + path
	key := dedup.Key(method, target, body)
	resp, shared, err := c.group.Do(ctx, key, func() (dedup.Response, error) {
		// 共有される呼び出しは最初の呼び出し元のキャンセルに巻き込まれないようにする
		return c.send(context.WithoutCancel(ctx), method, target, body)
	})
	if shared {
		log.Debug().Str("method", method).Str("url", target).Msg("backend request deduplicated")
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, method, target string, body []byte) (dedup.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return dedup.Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return dedup.Response{}, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, target, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return dedup.Response{}, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if res.StatusCode >= 500 {
		return dedup.Response{}, fmt.Errorf("%w: %s %s: status %d", ErrTransport, method, target, res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return dedup.Response{}, &HTTPError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return dedup.Response{StatusCode: res.StatusCode, Header: res.Header.Clone(), Body: data}, nil
}
