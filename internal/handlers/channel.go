package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/idgen"
	"github.com/SteamVC/SteamVC_Match/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type ChannelHandler struct {
	gw *service.Gateway
}

func NewChannelHandler(gw *service.Gateway) *ChannelHandler { return &ChannelHandler{gw: gw} }

type reserveRequest struct {
	SessionId string `json:"sessionId"` // 空なら新規発行
	CallerId  string `json:"callerId"`
}

func (r reserveRequest) validate() error {
	return validateUserId(r.CallerId)
}

type reserveResponse struct {
	service.Result
	SessionId string `json:"sessionId"`
}

type renewRequest struct {
	CallerId string `json:"callerId"`
}

func (r renewRequest) validate() error {
	return validateUserId(r.CallerId)
}

type leaveRequest struct {
	SessionId string `json:"sessionId"`
	CallerId  string `json:"callerId"`
	RoomId    string `json:"roomId"`
	Hopping   bool   `json:"hopping"`
}

func (r leaveRequest) validate() error {
	if err := validateSessionId(r.SessionId); err != nil {
		return err
	}
	return validateUserId(r.CallerId)
}

type hopRequest struct {
	SessionId     string `json:"sessionId"`
	CallerId      string `json:"callerId"`
	CurrentHostId string `json:"currentHostId"`
}

func (r hopRequest) validate() error {
	if err := validateSessionId(r.SessionId); err != nil {
		return err
	}
	return validateUserId(r.CallerId)
}

func (h *ChannelHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	hostId := normalizeID(chi.URLParam(r, "hostId"))
	if err := validateHostId(hostId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in reserveRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sid := normalizeID(in.SessionId)
	if sid == "" {
		sid = idgen.NewSessionID()
	}

	res, err := h.gw.Connect(r.Context(), sid, normalizeID(in.CallerId), hostId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reserveResponse{Result: res, SessionId: sid})
}

func (h *ChannelHandler) Renew(w http.ResponseWriter, r *http.Request) {
	hostId := normalizeID(chi.URLParam(r, "hostId"))
	if err := validateHostId(hostId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in renewRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	exp, err := h.gw.Reservations().Renew(normalizeID(in.CallerId), hostId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "leaseExpiresAt": exp.UTC().Format(time.RFC3339Nano)})
}

func (h *ChannelHandler) Leave(w http.ResponseWriter, r *http.Request) {
	hostId := normalizeID(chi.URLParam(r, "hostId"))
	if err := validateHostId(hostId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in leaveRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gw.Disconnect(r.Context(), normalizeID(in.SessionId), normalizeID(in.CallerId), hostId, normalizeID(in.RoomId), in.Hopping); err != nil {
		log.Error().Err(err).Str("hostId", hostId).Str("sessionId", in.SessionId).Msg("leave channel error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *ChannelHandler) Hop(w http.ResponseWriter, r *http.Request) {
	var in hopRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sid := normalizeID(in.SessionId)

	res, err := h.gw.Hop(r.Context(), sid, normalizeID(in.CallerId), normalizeID(in.CurrentHostId))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	cur, _ := h.gw.Active(sid)
	respondJSON(w, http.StatusOK, map[string]any{"result": res, "sessionId": sid, "hostId": cur.HostID})
}

// HopState はセッションのホッピング状態を返します
func (h *ChannelHandler) HopState(w http.ResponseWriter, r *http.Request) {
	sid := normalizeID(chi.URLParam(r, "sessionId"))
	if err := validateSessionId(sid); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.gw.Guard().Check(r.Context(), sid)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sid).Msg("hop state check error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	st, err := h.gw.Guard().State(r.Context(), sid)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sid).Msg("hop state load error")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	visited := make([]string, 0, len(st.VisitedChannels))
	for id := range st.VisitedChannels {
		visited = append(visited, id)
	}
	body := map[string]any{
		"sessionId":       sid,
		"isBlocked":       st.IsBlocked,
		"blockStartTime":  st.BlockStartTime,
		"entries":         st.Entries,
		"visitedChannels": visited,
	}
	if status.Blocked {
		body["retryAfter"] = (&service.HopBlockedError{RetryAfter: status.RetryAfter}).RetryAfterSeconds()
	}
	respondJSON(w, http.StatusOK, body)
}

// Attempts は直近の接続試行を返します（診断用）
func (h *ChannelHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	al := h.gw.Reservations().Attempts()
	respondJSON(w, http.StatusOK, map[string]any{
		"total":    al.Total(),
		"attempts": al.Recent(limit),
	})
}
