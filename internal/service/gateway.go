package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/hopguard"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

const maxHopCandidates = 3 // 1回のホップで試す配信者の数

// ActiveChannel はセッションが現在参加しているチャンネルです
type ActiveChannel struct {
	CallerID string `json:"callerId"`
	HostID   string `json:"hostId"`
	RoomID   string `json:"roomId,omitempty"`
}

// Gateway はcallerの参加・退出・ホップをホッピング判定と組み合わせて扱います
type Gateway struct {
	reservations *ReservationService
	guard        *hopguard.Guard
	api          backend.API

	mu     sync.Mutex
	active map[string]ActiveChannel // sessionID -> 参加中のチャンネル
}

// NewGateway は新しいGatewayを作成します
func NewGateway(reservations *ReservationService, guard *hopguard.Guard, api backend.API) *Gateway {
	return &Gateway{
		reservations: reservations,
		guard:        guard,
		api:          api,
		active:       make(map[string]ActiveChannel),
	}
}

// Reservations は予約サービスを返します
func (g *Gateway) Reservations() *ReservationService { return g.reservations }

// Guard はホッピング判定を返します
func (g *Gateway) Guard() *hopguard.Guard { return g.guard }

// Active はセッションの参加中チャンネルを返します
func (g *Gateway) Active(sessionID string) (ActiveChannel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.active[sessionID]
	return ch, ok
}

// Connect はチャンネルへの参加を試みます
// ブロック中のセッションはネットワーク呼び出しの前にHopBlockedErrorで拒否します
func (g *Gateway) Connect(ctx context.Context, sessionID, callerID, hostID string) (Result, error) {
	if err := g.checkBlocked(ctx, sessionID); err != nil {
		return Result{Success: false, ErrorType: TypeOf(err), Message: err.Error()}, err
	}

	res, err := g.reservations.Reserve(ctx, callerID, hostID)
	if err != nil {
		return res, err
	}

	if err := g.guard.RecordJoin(ctx, sessionID, hostID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("hostId", hostID).Msg("failed to record channel join")
	}
	g.mu.Lock()
	g.active[sessionID] = ActiveChannel{CallerID: callerID, HostID: hostID, RoomID: res.RoomID}
	g.mu.Unlock()
	return res, nil
}

// Disconnect はチャンネルから退出します
// ロックを解放し、callerの占有レコードのクローズとwaitingへの戻しを送ります
// hoppingは別チャンネルへの移動の一部としての退出かどうかを表します
func (g *Gateway) Disconnect(ctx context.Context, sessionID, callerID, hostID, roomID string, hopping bool) error {
	if roomID == "" {
		if cur, ok := g.Active(sessionID); ok && cur.HostID == hostID {
			roomID = cur.RoomID
		}
	}
	g.reservations.Release(callerID, hostID)

	s, err := cleanup.StrategyFor(models.RoleCaller)
	if err != nil {
		return err
	}
	for _, in := range s.Intents(cleanup.Participant{Role: models.RoleCaller, UserID: callerID, HostID: hostID, RoomID: roomID}) {
		if err := cleanup.Execute(ctx, g.api, in); err != nil {
			// ベストエフォート
			log.Warn().Err(err).Str("action", string(in.Action)).Str("hostId", hostID).Msg("leave cleanup failed")
		}
	}

	g.mu.Lock()
	if cur, ok := g.active[sessionID]; ok && cur.HostID == hostID {
		delete(g.active, sessionID)
	}
	g.mu.Unlock()

	if _, err := g.guard.RecordLeave(ctx, sessionID, hostID, hopping); err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	log.Info().Str("sessionId", sessionID).Str("hostId", hostID).Bool("hopping", hopping).Msg("left channel")
	return nil
}

// Hop は現在のチャンネルを離れ、未訪問の通話可能な配信者に参加します
// currentHostIDが空の場合は記録されている参加中チャンネルを使い、それも無ければErrNoActiveChannelを返します
func (g *Gateway) Hop(ctx context.Context, sessionID, callerID, currentHostID string) (Result, error) {
	if err := g.checkBlocked(ctx, sessionID); err != nil {
		return Result{Success: false, ErrorType: TypeOf(err), Message: err.Error()}, err
	}

	roomID := ""
	if currentHostID == "" {
		cur, ok := g.Active(sessionID)
		if !ok {
			return Result{}, ErrNoActiveChannel
		}
		currentHostID, roomID = cur.HostID, cur.RoomID
	}
	if err := g.Disconnect(ctx, sessionID, callerID, currentHostID, roomID, true); err != nil {
		return Result{}, err
	}
	// 今回の退出でブロックに達した場合
	if err := g.checkBlocked(ctx, sessionID); err != nil {
		return Result{Success: false, ErrorType: TypeOf(err), Message: err.Error()}, err
	}

	candidates, err := g.candidates(ctx, sessionID, currentHostID)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{}, ErrNoChannelAvailable
	}

	var lastRes Result
	var lastErr error
	for _, b := range candidates {
		lastRes, lastErr = g.Connect(ctx, sessionID, callerID, b.HostID)
		if lastErr == nil {
			return lastRes, nil
		}
		if !errors.Is(lastErr, ErrChannelBusy) && !errors.Is(lastErr, ErrChannelNotAvailable) {
			return lastRes, lastErr
		}
		log.Debug().Err(lastErr).Str("hostId", b.HostID).Msg("hop candidate unavailable, trying next")
	}
	return lastRes, lastErr
}

// candidates は未訪問の通話可能な配信者を最大maxHopCandidates件返します
func (g *Gateway) candidates(ctx context.Context, sessionID, exclude string) ([]models.Broadcaster, error) {
	st, err := g.guard.State(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	list, err := g.api.ListBroadcasters(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.Broadcaster, 0, maxHopCandidates)
	for _, b := range list {
		if b.Status != models.StatusAvailableCall || b.HostID == "" || b.HostID == exclude || st.Visited(b.HostID) {
			continue
		}
		out = append(out, b)
		if len(out) == maxHopCandidates {
			break
		}
	}
	return out, nil
}

func (g *Gateway) checkBlocked(ctx context.Context, sessionID string) error {
	status, err := g.guard.Check(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("check hop state: %w", err)
	}
	if status.Blocked {
		return &HopBlockedError{RetryAfter: status.RetryAfter}
	}
	return nil
}
