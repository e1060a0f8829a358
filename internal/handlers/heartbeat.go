package handlers

import (
	"errors"
	"net/http"

	"github.com/SteamVC/SteamVC_Match/internal/heartbeat"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

type HeartbeatHandler struct {
	reg *heartbeat.Registry
}

func NewHeartbeatHandler(reg *heartbeat.Registry) *HeartbeatHandler {
	return &HeartbeatHandler{reg: reg}
}

type heartbeatRequest struct {
	UserId      string      `json:"userId"`
	ChannelName string      `json:"channelName"`
	RoomId      string      `json:"roomId"`
	Role        models.Role `json:"role"`
	Timestamp   int64       `json:"timestamp,omitempty"` // クライアント時刻（参考値、保存しない）
}

func (r heartbeatRequest) validate() error {
	if err := validateUserId(r.UserId); err != nil {
		return err
	}
	if normalizeID(r.ChannelName) == "" {
		return errors.New("channelName required")
	}
	return validateRole(r.Role)
}

// Post はハートビートを登録します
func (h *HeartbeatHandler) Post(w http.ResponseWriter, r *http.Request) {
	var in heartbeatRequest
	if !decodeBeacon(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec := models.HeartbeatRecord{
		UserID:      normalizeID(in.UserId),
		ChannelName: normalizeID(in.ChannelName),
		RoomID:      normalizeID(in.RoomId),
		Role:        in.Role,
	}
	if err := h.reg.Record(r.Context(), rec); err != nil {
		log.Error().Err(err).Str("channel", rec.ChannelName).Msg("record heartbeat error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// List は生存期間内のハートビート一覧を返します
func (h *HeartbeatHandler) List(w http.ResponseWriter, r *http.Request) {
	live, err := h.reg.Live(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list heartbeats error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"heartbeats": live})
}
