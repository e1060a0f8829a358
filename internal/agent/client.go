// Package agent は参加者側からチャンネルサーバーを呼び出すHTTPクライアントです
// heartbeat.Senderとcleanup.Beaconを実装し、CLIから利用されます
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/SteamVC/SteamVC_Match/internal/service"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 1 << 20

// APIError はサーバーが返した2xx以外の応答です
type APIError struct {
	StatusCode int
	ErrorType  service.ErrorType `json:"errorType"`
	Message    string            `json:"message"`
	RetryAfter int               `json:"retryAfter"` // 秒
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("server responded %d (%s): %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// ReserveResult は予約APIの応答です
type ReserveResult struct {
	service.Result
	SessionID string `json:"sessionId"`
}

// HopResult はホップAPIの応答です
type HopResult struct {
	Result    service.Result `json:"result"`
	SessionID string         `json:"sessionId"`
	HostID    string         `json:"hostId"`
}

// AttemptsResult は診断APIの応答です
type AttemptsResult struct {
	Total    int                        `json:"total"`
	Attempts []models.ConnectionAttempt `json:"attempts"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SendHeartbeat はハートビートを送信します
func (c *Client) SendHeartbeat(ctx context.Context, rec models.HeartbeatRecord) error {
	body := map[string]any{
		"userId":      rec.UserID,
		"channelName": rec.ChannelName,
		"roomId":      rec.RoomID,
		"role":        rec.Role,
		"timestamp":   time.Now().UnixMilli(),
	}
	return c.do(ctx, http.MethodPost, "/api/v1/heartbeat", "application/json", body, nil)
}

// SendBeacon は解放依頼をサーバーのアウトボックスに送ります
// ページ破棄時のビーコンと同じくtext/plainで送り、受理されたかだけを返します
func (c *Client) SendBeacon(ctx context.Context, intents []cleanup.Intent) bool {
	if len(intents) == 0 {
		return false
	}
	body := map[string]any{"intents": intents}
	if err := c.do(ctx, http.MethodPost, "/api/v1/cleanup", "text/plain;charset=UTF-8", body, nil); err != nil {
		log.Warn().Err(err).Int("intents", len(intents)).Msg("cleanup beacon rejected")
		return false
	}
	return true
}

// Reserve はhostIDのチャンネルを予約します。sessionIDが空の場合はサーバーが発行します
func (c *Client) Reserve(ctx context.Context, sessionID, callerID, hostID string) (ReserveResult, error) {
	var out ReserveResult
	body := map[string]string{"sessionId": sessionID, "callerId": callerID}
	err := c.do(ctx, http.MethodPost, "/api/v1/channels/"+url.PathEscape(hostID)+"/reserve", "application/json", body, &out)
	return out, err
}

// Renew は保持中のロックを延長し、新しい期限を返します
func (c *Client) Renew(ctx context.Context, callerID, hostID string) (time.Time, error) {
	var out struct {
		LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
	}
	body := map[string]string{"callerId": callerID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/channels/"+url.PathEscape(hostID)+"/renew", "application/json", body, &out); err != nil {
		return time.Time{}, err
	}
	return out.LeaseExpiresAt, nil
}

func (c *Client) Leave(ctx context.Context, sessionID, callerID, hostID, roomID string, hopping bool) error {
	body := map[string]any{"sessionId": sessionID, "callerId": callerID, "roomId": roomID, "hopping": hopping}
	return c.do(ctx, http.MethodPost, "/api/v1/channels/"+url.PathEscape(hostID)+"/leave", "application/json", body, nil)
}

// Hop は現在のチャンネルを離れて未訪問のチャンネルに接続します
func (c *Client) Hop(ctx context.Context, sessionID, callerID, currentHostID string) (HopResult, error) {
	var out HopResult
	body := map[string]string{"sessionId": sessionID, "callerId": callerID, "currentHostId": currentHostID}
	err := c.do(ctx, http.MethodPost, "/api/v1/channels/hop", "application/json", body, &out)
	return out, err
}

func (c *Client) Heartbeats(ctx context.Context) ([]models.HeartbeatRecord, error) {
	var out struct {
		Heartbeats []models.HeartbeatRecord `json:"heartbeats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/heartbeat", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Heartbeats, nil
}

func (c *Client) Attempts(ctx context.Context, limit int) (AttemptsResult, error) {
	var out AttemptsResult
	err := c.do(ctx, http.MethodGet, "/api/v1/diagnostics/attempts?limit="+strconv.Itoa(limit), "", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.RetryAfter == 0 {
			if s, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
				apiErr.RetryAfter = s
			}
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
