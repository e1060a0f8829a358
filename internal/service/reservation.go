// Package service はビジネスロジックを担当します
// チャンネルの予約・競合検出・リース更新・解放などの処理を提供します
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/idgen"
	"github.com/SteamVC/SteamVC_Match/internal/lockstore"
	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/SteamVC/SteamVC_Match/internal/retry"
	"github.com/rs/zerolog/log"
)

const compensateTimeout = 5 * time.Second

// 参加応答の自由文から占有状態を判定するための文言
// バックエンドが構造化コードを返す場合はそちらを優先します
var (
	busyCodes        = []string{"HOST_UNAVAILABLE", "CHANNEL_BUSY", "OCCUPIED"}
	notAvailCodes    = []string{"NOT_AVAILABLE", "CHANNEL_NOT_AVAILABLE"}
	busyPhrases      = []string{"host unavailable", "host_unavailable", "occupied", "ocupado"}
	notAvailPhrases  = []string{"not available", "no disponible", "not_available"}
	dataMessageKeys  = []string{"message", "error", "msg", "detail"}
	finishedStatuses = map[models.RoomStatus]bool{models.RoomFinished: true}
)

// Result は予約の結果です
type Result struct {
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	ErrorType      ErrorType       `json:"errorType,omitempty"`
	Message        string          `json:"message,omitempty"`
	RoomID         string          `json:"roomId,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"` // 保持を続ける場合はこの時刻までに更新する
}

// ReservationService はチャンネル予約を担当します
type ReservationService struct {
	locks    lockstore.Store // 同一プロセス内の排他
	api      backend.API     // 外部バックエンド
	policy   retry.Policy    // 外部呼び出しのリトライ設定
	lockTTL  time.Duration   // ロックの有効期限
	attempts *AttemptLog     // 接続試行の監査ログ
	now      func() time.Time
}

// NewReservationService は新しいReservationServiceを作成します
func NewReservationService(locks lockstore.Store, api backend.API, policy retry.Policy, lockTTL time.Duration, attempts *AttemptLog) *ReservationService {
	if attempts == nil {
		attempts = NewAttemptLog(0)
	}
	if lockTTL <= 0 {
		lockTTL = lockstore.DefaultTTL
	}
	return &ReservationService{
		locks:    locks,
		api:      api,
		policy:   policy,
		lockTTL:  lockTTL,
		attempts: attempts,
		now:      time.Now,
	}
}

// Attempts は接続試行ログを返します
func (s *ReservationService) Attempts() *AttemptLog { return s.attempts }

// Reserve はcallerのためにチャンネルを予約します
// 処理の流れ（どこかで失敗した場合はロックを解放して終了）:
// 1. ロックを取得（他の保持者がいればCHANNEL_BUSY）
// 2. バックエンドでチャンネルの現状を確認（事前チェック）
// 3. 参加APIを呼び出し
// 4. 参加応答を解釈（HTTP 200でも占有エラーの場合がある）
// 5. チャンネルを再確認（事後チェック）。別の占有者がいる、またはロックを失っていれば競合として補償処理
// 6. 成功時は参加結果とロックの有効期限を返す
func (s *ReservationService) Reserve(ctx context.Context, callerID, channelID string) (Result, error) {
	start := s.now()
	s.record(callerID, channelID, models.AttemptAttempting, "", 0)

	// 1. ロック取得
	lr := s.locks.Acquire(channelID, callerID, s.lockTTL)
	if !lr.Granted {
		log.Info().Str("channelId", channelID).Str("callerId", callerID).Str("holderId", lr.ExistingHolder).
			Msg("channel lock held by another caller")
		return s.fail(callerID, channelID, start, false,
			newError(ChannelBusy, "channel is being reserved by another caller", nil))
	}

	// 2. 事前チェック
	if _, err := retry.Do(ctx, s.policy, IsRetryable, func(ctx context.Context) (models.Room, error) {
		return s.precheck(ctx, callerID, channelID)
	}); err != nil {
		s.locks.Release(channelID, callerID)
		return s.fail(callerID, channelID, start, false, err)
	}

	// 3-4. 参加と応答の解釈
	env, err := retry.Do(ctx, s.policy, IsRetryable, func(ctx context.Context) (backend.Envelope, error) {
		env, err := s.api.Join(ctx, callerID, channelID)
		if err != nil {
			return env, classify(err)
		}
		return env, interpretJoin(env)
	})
	if err != nil {
		s.locks.Release(channelID, callerID)
		return s.fail(callerID, channelID, start, false, err)
	}

	// 5. 事後チェック
	post, ok, err := s.fetchRoom(ctx, channelID)
	if err != nil {
		// 検証できない参加は残さない
		s.compensate(ctx, callerID, channelID, "")
		s.locks.Release(channelID, callerID)
		return s.fail(callerID, channelID, start, false, err)
	}
	if !ok {
		s.locks.Release(channelID, callerID)
		return s.fail(callerID, channelID, start, false,
			newError(ChannelNotAvailable, "channel disappeared after join", nil))
	}
	if post.OccupiedByOther(callerID) {
		log.Warn().Str("channelId", channelID).Str("callerId", callerID).Str("occupantId", post.OccupantID).
			Msg("race detected after join")
		s.compensate(ctx, callerID, channelID, post.ID)
		s.locks.Release(channelID, callerID)
		return s.fail(callerID, channelID, start, true,
			newError(ChannelBusy, "channel was taken by another caller", ErrRaceDetected))
	}

	// 処理中にロックが期限切れになり他のcallerへ渡っていないかを確認し、リースを取り直す
	lr = s.locks.Acquire(channelID, callerID, s.lockTTL)
	if !lr.Granted {
		log.Warn().Str("channelId", channelID).Str("callerId", callerID).Str("holderId", lr.ExistingHolder).
			Msg("channel lock lost during reservation")
		s.compensate(ctx, callerID, channelID, post.ID)
		return s.fail(callerID, channelID, start, true,
			newError(ChannelBusy, "channel lock was taken by another caller", ErrRaceDetected))
	}

	// 6. 成功
	expires := lr.Lock.ExpiresAt
	d := s.now().Sub(start)
	s.record(callerID, channelID, models.AttemptSuccess, "", d)
	metric.Incr(metric.ReservationAttempt, []string{metric.Tag("status", string(models.AttemptSuccess))})
	metric.Timing(metric.ReservationLatency, d, nil)
	log.Info().Str("channelId", channelID).Str("callerId", callerID).Str("roomId", post.ID).Msg("channel reserved")
	return Result{
		Success:        true,
		Data:           env.Data,
		RoomID:         post.ID,
		LeaseExpiresAt: &expires,
	}, nil
}

// Renew はcallerが保持しているロックの有効期限を延長します
func (s *ReservationService) Renew(callerID, channelID string) (time.Time, error) {
	cur, ok := s.locks.Get(channelID)
	if !ok || cur.HolderID != callerID || cur.Expired(s.now()) {
		return time.Time{}, ErrNotHolder
	}
	lr := s.locks.Acquire(channelID, callerID, s.lockTTL)
	if !lr.Granted {
		return time.Time{}, ErrNotHolder
	}
	return lr.Lock.ExpiresAt, nil
}

// Release はcallerが保持しているロックを解放します
func (s *ReservationService) Release(callerID, channelID string) bool {
	return s.locks.Release(channelID, callerID)
}

func (s *ReservationService) precheck(ctx context.Context, callerID, channelID string) (models.Room, error) {
	room, ok, err := s.fetchRoom(ctx, channelID)
	if err != nil {
		return room, err
	}
	if !ok || finishedStatuses[room.Status] {
		return room, newError(ChannelNotAvailable, "channel does not exist or is not joinable", nil)
	}
	if room.OccupiedByOther(callerID) {
		return room, newError(ChannelBusy, "channel is occupied", nil)
	}
	return room, nil
}

// fetchRoom はホストの現在のルームレコードを取得します
// 終了済みでないレコードを優先します
func (s *ReservationService) fetchRoom(ctx context.Context, channelID string) (models.Room, bool, error) {
	rooms, err := s.api.ListRooms(ctx, backend.RoomFilter{HostID: channelID})
	if err != nil {
		return models.Room{}, false, classify(err)
	}
	var found *models.Room
	for i := range rooms {
		r := rooms[i]
		if r.HostID != "" && r.HostID != channelID {
			continue
		}
		if found == nil || (finishedStatuses[found.Status] && !finishedStatuses[r.Status]) {
			found = &rooms[i]
		}
	}
	if found == nil {
		return models.Room{}, false, nil
	}
	return *found, true, nil
}

// compensate は競合時にcallerの占有レコードを1回だけ閉じます（ベストエフォート）
func (s *ReservationService) compensate(ctx context.Context, callerID, channelID, roomID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := s.api.CloseOccupancy(cctx, callerID, channelID, roomID); err != nil {
		log.Warn().Err(err).Str("channelId", channelID).Str("callerId", callerID).Msg("compensating close failed")
	}
}

func (s *ReservationService) fail(callerID, channelID string, start time.Time, race bool, err error) (Result, error) {
	status := models.AttemptFailed
	if race {
		status = models.AttemptRaceCondition
	}
	t := TypeOf(err)
	var re *ReservationError
	if !errors.As(err, &re) {
		re = newError(t, "unclassified failure", err)
		err = re
	}
	s.record(callerID, channelID, status, string(t), s.now().Sub(start))
	metric.Incr(metric.ReservationAttempt, []string{
		metric.Tag("status", string(status)),
		metric.Tag("error_type", string(t)),
	})
	log.Info().Str("channelId", channelID).Str("callerId", callerID).Str("errorType", string(t)).
		Msg("channel reservation failed")
	return Result{Success: false, ErrorType: t, Message: re.Message}, err
}

func (s *ReservationService) record(callerID, channelID string, status models.AttemptStatus, errType string, d time.Duration) {
	s.attempts.Add(models.ConnectionAttempt{
		ID:        idgen.NewULID(),
		UserID:    callerID,
		ChannelID: channelID,
		Timestamp: s.now(),
		Status:    status,
		ErrorType: errType,
		Duration:  d,
	})
}

// classify はバックエンドのエラーを予約エラーの種別に変換します
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *ReservationError
	if errors.As(err, &re) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(NetworkError, "backend call cancelled or timed out", err)
	case errors.Is(err, backend.ErrTransport):
		return newError(NetworkError, "backend unreachable", err)
	case errors.Is(err, backend.ErrMalformed):
		return newError(ValidationFailed, "unexpected backend payload", err)
	}
	var he *backend.HTTPError
	if errors.As(err, &he) {
		var env backend.Envelope
		if json.Unmarshal([]byte(he.Body), &env) == nil {
			env.Status = backend.StatusError
			if cerr := interpretJoin(env); cerr != nil {
				var cre *ReservationError
				if errors.As(cerr, &cre) && cre.Type != ValidationFailed {
					cre.Err = err
					return cre
				}
			}
		}
		switch he.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return newError(ChannelNotAvailable, "channel not found", err)
		case http.StatusConflict, http.StatusLocked:
			return newError(ChannelBusy, "channel is occupied", err)
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return newError(NetworkError, "backend throttled the request", err)
		}
		return newError(ValidationFailed, "backend rejected the request", err)
	}
	return newError(NetworkError, "backend call failed", err)
}

// interpretJoin は参加応答のエンベロープを解釈します
// statusが"Success"でもmessageやdataに占有エラーが含まれていれば失敗として扱います
func interpretJoin(env backend.Envelope) error {
	code := strings.ToUpper(strings.TrimSpace(env.Code))
	for _, c := range busyCodes {
		if code == c {
			return newError(ChannelBusy, "host unavailable", nil)
		}
	}
	for _, c := range notAvailCodes {
		if code == c {
			return newError(ChannelNotAvailable, "channel not available", nil)
		}
	}

	text := strings.ToLower(env.Message + " " + strings.Join(dataMessages(env.Data), " "))
	for _, p := range busyPhrases {
		if strings.Contains(text, p) {
			return newError(ChannelBusy, "channel is occupied", nil)
		}
	}
	for _, p := range notAvailPhrases {
		if strings.Contains(text, p) {
			return newError(ChannelNotAvailable, "channel not available", nil)
		}
	}
	if !strings.EqualFold(env.Status, backend.StatusSuccess) {
		return newError(ValidationFailed, "join failed: "+env.Message, nil)
	}
	return nil
}

// dataMessages はdataに含まれるエラー文言を取り出します
// dataが文字列ならそのまま、オブジェクトならmessage/errorなどのキーの値を返します
func dataMessages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []string{s}
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	var out []string
	for _, k := range dataMessageKeys {
		if v, ok := m[k].(string); ok {
			out = append(out, v)
		}
	}
	return out
}
