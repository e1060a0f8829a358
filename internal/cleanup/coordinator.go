package cleanup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Signal はセッション終了のきっかけです
type Signal string

const (
	SignalUnload   Signal = "unload"
	SignalPageHide Signal = "pagehide"
	SignalHidden   Signal = "hidden" // 長時間の非表示。CleanupOnHiddenが有効な場合のみ扱う
)

const DefaultFallbackDelay = 100 * time.Millisecond

// Beacon は応答を待たずに解放依頼を手放す送信手段です
// 受け付けた場合はtrueを返します
type Beacon interface {
	SendBeacon(ctx context.Context, intents []Intent) bool
}

// Options はCoordinatorの動作設定です
type Options struct {
	FallbackDelay   time.Duration
	CleanupOnHidden bool
}

// Coordinator はセッション終了時の解放を1回だけ実行します
type Coordinator struct {
	strategy    Strategy
	participant Participant
	beacon      Beacon
	fallback    Executor
	opts        Options
	executed    atomic.Bool
}

// NewCoordinator は参加者のロールから解放手順を決定してCoordinatorを作成します
func NewCoordinator(p Participant, beacon Beacon, fallback Executor, opts Options) (*Coordinator, error) {
	s, err := StrategyFor(p.Role)
	if err != nil {
		return nil, err
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	return &Coordinator{strategy: s, participant: p, beacon: beacon, fallback: fallback, opts: opts}, nil
}

// Executed は解放が既に実行されたかを返します
func (c *Coordinator) Executed() bool { return c.executed.Load() }

// Trigger はシグナルを受けて解放を実行します
// 重複したシグナルは無視され、実行した場合のみtrueを返します
// 送信の失敗はログに残すだけで呼び出し元には返しません
func (c *Coordinator) Trigger(ctx context.Context, sig Signal) bool {
	if sig == SignalHidden && !c.opts.CleanupOnHidden {
		return false
	}
	if !c.executed.CompareAndSwap(false, true) {
		log.Debug().Str("signal", string(sig)).Msg("cleanup already executed")
		return false
	}

	intents := c.strategy.Intents(c.participant)
	l := log.With().Str("signal", string(sig)).Str("role", string(c.strategy.Role())).Str("hostId", c.participant.HostID).Logger()

	if c.beacon != nil && c.beacon.SendBeacon(ctx, intents) {
		l.Info().Int("intents", len(intents)).Msg("cleanup beacon sent")
		return true
	}

	if c.fallback == nil {
		l.Warn().Msg("cleanup beacon rejected and no fallback configured")
		return true
	}
	for _, in := range intents {
		if err := Execute(ctx, c.fallback, in); err != nil {
			l.Warn().Err(err).Str("action", string(in.Action)).Msg("fallback cleanup failed")
		}
	}
	// プロセス終了前に送信が出ていく猶予
	select {
	case <-ctx.Done():
	case <-time.After(c.opts.FallbackDelay):
	}
	l.Info().Msg("fallback cleanup sent")
	return true
}
