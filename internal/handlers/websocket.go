package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/zombie"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// AlertHub はチャンネルごとのWebSocket購読者を管理し、検出結果を配信します
// 複数のgoroutineから同時にアクセス可能です
type AlertHub struct {
	channels map[string]*alertChannel // ホストIDをキーとしたチャンネルのマップ
	mu       sync.RWMutex
}

// alertChannel は1つのチャンネルの購読者を保持します
type alertChannel struct {
	hostId  string
	clients map[*alertClient]struct{}
	mu      sync.RWMutex
}

// alertClient は1つのWebSocket接続を表します
type alertClient struct {
	userId  string
	conn    *websocket.Conn
	channel *alertChannel
	writeMu sync.Mutex // gorilla/websocketは同時書き込み不可
}

// WebSocketMessage はWebSocketで送受信するメッセージの構造
type WebSocketMessage struct {
	Type    string `json:"type"` // 例: "zombie", "caller_disconnected", "subscribed", "pong"
	Payload any    `json:"payload,omitempty"`
}

// NewAlertHub は新しいAlertHubを作成します
func NewAlertHub() *AlertHub {
	return &AlertHub{channels: make(map[string]*alertChannel)}
}

// Notify は検出結果を該当チャンネルの購読者に配信します（zombie.Callback）
func (hub *AlertHub) Notify(_ context.Context, f zombie.Finding) {
	hub.mu.RLock()
	ch, ok := hub.channels[f.HostID]
	hub.mu.RUnlock()
	if !ok {
		return
	}
	hub.broadcast(ch, WebSocketMessage{Type: string(f.Kind), Payload: f})
}

// Subscribers はチャンネルの購読者数を返します
func (hub *AlertHub) Subscribers(hostId string) int {
	hub.mu.RLock()
	ch, ok := hub.channels[hostId]
	hub.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

func (hub *AlertHub) register(hostId, userId string, conn *websocket.Conn) *alertClient {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	ch, exists := hub.channels[hostId]
	if !exists {
		ch = &alertChannel{hostId: hostId, clients: make(map[*alertClient]struct{})}
		hub.channels[hostId] = ch
	}
	c := &alertClient{userId: userId, conn: conn, channel: ch}
	ch.mu.Lock()
	ch.clients[c] = struct{}{}
	ch.mu.Unlock()
	return c
}

// unregister はクライアントの登録を解除し、空になったチャンネルを削除します
func (hub *AlertHub) unregister(c *alertClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	ch := c.channel
	ch.mu.Lock()
	delete(ch.clients, c)
	isEmpty := len(ch.clients) == 0
	ch.mu.Unlock()

	if isEmpty && hub.channels[ch.hostId] == ch {
		delete(hub.channels, ch.hostId)
	}
}

func (hub *AlertHub) broadcast(ch *alertChannel, msg WebSocketMessage) {
	ch.mu.RLock()
	clients := make([]*alertClient, 0, len(ch.clients))
	for c := range ch.clients {
		clients = append(clients, c)
	}
	ch.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Warn().Err(err).Str("hostId", ch.hostId).Str("userId", c.userId).Msg("failed to send alert")
		}
	}
}

func (c *alertClient) send(msg WebSocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// WebSocketHandler はアラート購読のWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	hub      *AlertHub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// allowedOriginsが空の場合はすべてのOriginを許可します
func NewWebSocketHandler(hub *AlertHub, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowed) == 0 || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後はpingへの応答のみを行い、検出結果はAlertHubから配信されます
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	hostId := normalizeID(chi.URLParam(r, "hostId"))
	userId := normalizeID(r.URL.Query().Get("userId"))

	if err := validateHostId(hostId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateUserId(userId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// WebSocket接続にアップグレード
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	client := h.hub.register(hostId, userId, conn)
	defer func() {
		h.hub.unregister(client)
		conn.Close()
		log.Debug().Str("hostId", hostId).Str("userId", userId).Msg("websocket disconnected")
	}()

	log.Debug().Str("hostId", hostId).Str("userId", userId).Msg("websocket connected")
	if err := client.send(WebSocketMessage{Type: "subscribed", Payload: map[string]string{"hostId": hostId}}); err != nil {
		return
	}

	// メッセージ受信ループ
	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("hostId", hostId).Msg("websocket error")
			}
			return
		}
		switch msg.Type {
		case "ping":
			// ping/pongで接続を維持
			if err := client.send(WebSocketMessage{Type: "pong"}); err != nil {
				return
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("unknown message type")
		}
	}
}
