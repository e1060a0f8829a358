package http

import (
	"net/http"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Handlers はルーターに登録するハンドラー一式です
type Handlers struct {
	Channel   *handlers.ChannelHandler
	Heartbeat *handlers.HeartbeatHandler
	Cleanup   *handlers.CleanupHandler
	WebSocket *handlers.WebSocketHandler
}

func NewRouter(h Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1/channels", func(r chi.Router) {
		r.Post("/hop", h.Channel.Hop)
		r.Post("/{hostId}/reserve", h.Channel.Reserve)
		r.Post("/{hostId}/renew", h.Channel.Renew)
		r.Post("/{hostId}/leave", h.Channel.Leave)
		// WebSocketエンドポイント（検出結果の配信）
		r.Get("/{hostId}/ws", h.WebSocket.HandleWebSocket)
	})

	r.Route("/api/v1/heartbeat", func(r chi.Router) {
		r.Post("/", h.Heartbeat.Post)
		r.Get("/", h.Heartbeat.List)
	})

	// ビーコン送信先
	r.Post("/api/v1/cleanup", h.Cleanup.Post)

	r.Get("/api/v1/hopguard/{sessionId}", h.Channel.HopState)
	r.Get("/api/v1/diagnostics/attempts", h.Channel.Attempts)

	return r
}

// requestLogger はリクエストごとのアクセスログをzerologで出力します
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
