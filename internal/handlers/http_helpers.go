package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/SteamVC/SteamVC_Match/internal/service"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20 // 1MB

// errorResponse はエラーレスポンスの構造
type errorResponse struct {
	Message string `json:"message"` // エラーメッセージ
}

// serviceErrorResponse は予約系エラーのレスポンスです
// UIが再試行か別チャンネルかを判断できるよう種別を返します
type serviceErrorResponse struct {
	Success    bool              `json:"success"`
	ErrorType  service.ErrorType `json:"errorType"`
	Message    string            `json:"message"`
	RetryAfter int               `json:"retryAfter,omitempty"` // 秒
}

// respondJSON はJSONレスポンスを返します
// payloadがnilの場合は空のレスポンスを返します
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError はエラーレスポンスを返します
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Message: msg})
}

// decodeJSON はリクエストボディからJSONをデコードします
// デコードに失敗した場合は、エラーレスポンスを返してfalseを返します
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return false
		}
		respondError(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

// decodeBeacon はビーコン送信のボディをデコードします
// ビーコンはtext/plainで送られることがあるため、Content-Typeに関わらずJSONとして読みます
func decodeBeacon(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return decodeJSON(w, r, dst)
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		respondError(w, http.StatusUnsupportedMediaType, "unsupported content type")
		return false
	}
	switch mt {
	case "application/json":
		return decodeJSON(w, r, dst)
	case "text/plain":
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad request")
			return false
		}
		if err := json.Unmarshal(b, dst); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return false
		}
		return true
	default:
		respondError(w, http.StatusUnsupportedMediaType, "unsupported content type")
		return false
	}
}

// normalizeID はIDの前後の空白を削除して正規化します
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換して返します
func writeServiceError(w http.ResponseWriter, err error) {
	var hb *service.HopBlockedError
	if errors.As(err, &hb) {
		secs := hb.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondJSON(w, http.StatusTooManyRequests, serviceErrorResponse{
			ErrorType:  service.HoppingBlocked,
			Message:    "temporarily blocked, retry in " + strconv.Itoa(secs) + " seconds",
			RetryAfter: secs,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrNotHolder):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, service.ErrNoChannelAvailable):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, service.ErrNoActiveChannel):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var re *service.ReservationError
	if !errors.As(err, &re) {
		log.Error().Err(err).Msg("unhandled service error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch re.Type {
	case service.ChannelBusy, service.RaceDetected:
		status = http.StatusConflict
	case service.ChannelNotAvailable:
		status = http.StatusNotFound
	case service.ValidationFailed:
		status = http.StatusBadGateway
	case service.NetworkError:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, serviceErrorResponse{ErrorType: re.Type, Message: re.Message})
}
