package service

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType はチャンネル予約の失敗種別です
type ErrorType string

const (
	ChannelBusy         ErrorType = "CHANNEL_BUSY"          // 他の保持者がいる（一時的、リトライ可）
	ChannelNotAvailable ErrorType = "CHANNEL_NOT_AVAILABLE" // チャンネルが存在しない、参加できない状態（終端）
	ValidationFailed    ErrorType = "VALIDATION_FAILED"     // バックエンドの応答が不正
	NetworkError        ErrorType = "NETWORK_ERROR"         // 通信失敗・タイムアウト
	RaceDetected        ErrorType = "RACE_DETECTED"         // 参加後の再確認で占有者が変わっていた
	HoppingBlocked      ErrorType = "CHANNEL_HOPPING_BLOCKED"
)

// カスタムエラー定義
// errors.Isで*ReservationErrorの種別と比較できます
var (
	ErrChannelBusy         = errors.New("channel busy")
	ErrChannelNotAvailable = errors.New("channel not available")
	ErrValidationFailed    = errors.New("validation failed")
	ErrNetwork             = errors.New("network error")
	ErrRaceDetected        = errors.New("race detected")
	ErrNotHolder           = errors.New("caller does not hold the channel lock")
	ErrNoActiveChannel     = errors.New("session has no active channel")
	ErrNoChannelAvailable  = errors.New("no unvisited channel available")
)

var sentinelByType = map[ErrorType]error{
	ChannelBusy:         ErrChannelBusy,
	ChannelNotAvailable: ErrChannelNotAvailable,
	ValidationFailed:    ErrValidationFailed,
	NetworkError:        ErrNetwork,
	RaceDetected:        ErrRaceDetected,
}

// ReservationError は予約失敗の種別と原因を保持します
type ReservationError struct {
	Type    ErrorType
	Message string
	Err     error // 原因（バックエンドのエラーやErrRaceDetectedなど）
}

func newError(t ErrorType, msg string, cause error) *ReservationError {
	return &ReservationError{Type: t, Message: msg, Err: cause}
}

func (e *ReservationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ReservationError) Unwrap() error { return e.Err }

// Is は種別に対応するセンチネルエラーと一致させます
func (e *ReservationError) Is(target error) bool {
	if s, ok := sentinelByType[e.Type]; ok && s == target {
		return true
	}
	return false
}

// TypeOf はエラーの種別を返します。分類できない場合はNETWORK_ERRORとして扱います
func TypeOf(err error) ErrorType {
	var re *ReservationError
	if errors.As(err, &re) {
		return re.Type
	}
	var he *HopBlockedError
	if errors.As(err, &he) {
		return HoppingBlocked
	}
	return NetworkError
}

// IsRetryable はリトライで回復しうる失敗かを返します（CHANNEL_BUSYとNETWORK_ERRORのみ）
func IsRetryable(err error) bool {
	var re *ReservationError
	if !errors.As(err, &re) {
		return false
	}
	return re.Type == ChannelBusy || re.Type == NetworkError
}

// HopBlockedError はチャンネルホッピングによる一時ブロックを表します
type HopBlockedError struct {
	RetryAfter time.Duration
}

func (e *HopBlockedError) Error() string {
	return fmt.Sprintf("%s: temporarily blocked, retry in %d seconds", HoppingBlocked, e.RetryAfterSeconds())
}

// RetryAfterSeconds は再試行までの秒数（切り上げ）を返します
func (e *HopBlockedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
