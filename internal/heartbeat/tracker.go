package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMinInterval = 5 * time.Second
	sendTimeout        = 3 * time.Second
)

// Sender はハートビートの送信先です
type Sender interface {
	SendHeartbeat(ctx context.Context, rec models.HeartbeatRecord) error
}

// Tracker は参加中の間だけ一定間隔でハートビートを送信します
// 送信は最小間隔で制限され、Beatを連続で呼んでもネットワークに溢れません
type Tracker struct {
	sender   Sender
	interval time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	record models.HeartbeatRecord
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker は新しいTrackerを作成します
func NewTracker(sender Sender, interval, minInterval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Tracker{
		sender:   sender,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Start はチャンネル参加時に呼び出し、送信ループを開始します
// 既に動作中の場合は前のループを止めてから開始します
func (t *Tracker) Start(ctx context.Context, rec models.HeartbeatRecord) {
	t.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.record = rec
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.loop(loopCtx, done)
	log.Debug().Str("channel", rec.ChannelName).Str("role", string(rec.Role)).Msg("heartbeat tracker started")
}

// Stop はチャンネル退出時に呼び出し、送信ループを即座に停止します
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Debug().Msg("heartbeat tracker stopped")
}

// Running は送信ループが動作中かを返します
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Beat は即時にハートビートを送信します
// 動作中でない場合や最小間隔内の場合は送信せずfalseを返します
func (t *Tracker) Beat(ctx context.Context) bool {
	t.mu.Lock()
	running := t.cancel != nil
	rec := t.record
	t.mu.Unlock()
	if !running {
		return false
	}
	return t.send(ctx, rec)
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t.mu.Lock()
	rec := t.record
	t.mu.Unlock()
	t.send(ctx, rec)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.send(ctx, rec)
		}
	}
}

func (t *Tracker) send(ctx context.Context, rec models.HeartbeatRecord) bool {
	if !t.limiter.Allow() {
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	rec.LastSeen = time.Now()
	if err := t.sender.SendHeartbeat(sctx, rec); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("channel", rec.ChannelName).Msg("failed to send heartbeat")
		}
		return false
	}
	return true
}
