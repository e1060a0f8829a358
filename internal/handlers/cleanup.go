package handlers

import (
	"net/http"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/idgen"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

// CleanupHandler は切断時のビーコンを受け付け、アウトボックスに積みます
// 配送はWorkerが非同期に行うため、ここでは受付結果だけを返します
type CleanupHandler struct {
	outbox cleanup.Outbox
}

func NewCleanupHandler(outbox cleanup.Outbox) *CleanupHandler {
	return &CleanupHandler{outbox: outbox}
}

type cleanupRequest struct {
	Role    models.Role      `json:"role"`
	UserId  string           `json:"userId"`
	HostId  string           `json:"hostId"`
	RoomId  string           `json:"roomId"`
	Intents []cleanup.Intent `json:"intents,omitempty"` // 指定時はそのまま積む
}

func (r cleanupRequest) validate() error {
	if len(r.Intents) > 0 {
		for _, in := range r.Intents {
			if err := in.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if err := validateRole(r.Role); err != nil {
		return err
	}
	if err := validateUserId(r.UserId); err != nil {
		return err
	}
	return validateHostId(r.HostId)
}

// Post は解放依頼を受け付けます。text/plainのビーコンも受け付けます
func (h *CleanupHandler) Post(w http.ResponseWriter, r *http.Request) {
	var in cleanupRequest
	if !decodeBeacon(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	intents := in.Intents
	if len(intents) == 0 {
		s, err := cleanup.StrategyFor(in.Role)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		intents = s.Intents(cleanup.Participant{
			Role:   in.Role,
			UserID: normalizeID(in.UserId),
			HostID: normalizeID(in.HostId),
			RoomID: normalizeID(in.RoomId),
		})
	}
	for i := range intents {
		if intents[i].ID == "" {
			intents[i].ID = idgen.NewIntentID()
		}
		if intents[i].CreatedAt.IsZero() {
			intents[i].CreatedAt = time.Now()
		}
		intents[i].Attempts = 0
	}

	if err := h.outbox.Push(r.Context(), intents...); err != nil {
		log.Error().Err(err).Int("intents", len(intents)).Msg("enqueue cleanup error")
		respondError(w, http.StatusServiceUnavailable, "cleanup queue unavailable")
		return
	}
	log.Info().Str("role", string(in.Role)).Str("hostId", in.HostId).Int("intents", len(intents)).Msg("cleanup accepted")
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": len(intents)})
}
