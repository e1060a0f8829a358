// Package hopguard は短時間でチャンネルを渡り歩くcallerを検出して一時的にブロックします
package hopguard

import (
	"context"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

const maxEntries = 50 // セッションごとに保持する訪問履歴の上限

// Config はブロック判定の閾値です
type Config struct {
	ShortVisit    time.Duration // これ未満の滞在は短時間訪問
	MaxShortHops  int           // 連続短時間訪問がこの回数に達するとブロック
	BlockDuration time.Duration // ブロックの継続時間
}

// DefaultConfig はデフォルト設定を返します
func DefaultConfig() Config {
	return Config{
		ShortVisit:    15 * time.Second,
		MaxShortHops:  4,
		BlockDuration: 5 * time.Minute,
	}
}

// StateStore はセッション単位の状態の保存先です
// リロード後も状態を維持するため永続化されたストアを使うことができます
type StateStore interface {
	Load(ctx context.Context, sessionID string) (models.ChannelHoppingState, bool, error)
	Save(ctx context.Context, sessionID string, st models.ChannelHoppingState) error
	Delete(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// Status はホップ可否の判定結果です
type Status struct {
	Blocked    bool
	RetryAfter time.Duration // ブロック解除までの残り時間
}

// Guard はセッションごとのホッピング状態を管理します
type Guard struct {
	mu    sync.Mutex // 読み込み→更新→保存をセッション間で直列化
	store StateStore
	cfg   Config
	now   func() time.Time
}

// New は新しいGuardを作成します
func New(store StateStore, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.ShortVisit <= 0 {
		cfg.ShortVisit = def.ShortVisit
	}
	if cfg.MaxShortHops <= 0 {
		cfg.MaxShortHops = def.MaxShortHops
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	return &Guard{store: store, cfg: cfg, now: time.Now}
}

// WithClock は時刻取得関数を差し替えます（テスト用）
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Check はセッションが次のホップを許可されるかを返します
// ブロックの期限が切れていればここで解除します
func (g *Guard) Check(ctx context.Context, sessionID string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	now := g.now()
	if next, expired := expireBlock(st, now, g.cfg); expired {
		log.Info().Str("sessionId", sessionID).Msg("channel hopping block expired")
		return Status{}, g.store.Save(ctx, sessionID, next)
	}
	if !st.IsBlocked {
		return Status{}, nil
	}
	return Status{Blocked: true, RetryAfter: st.BlockStartTime.Add(g.cfg.BlockDuration).Sub(now)}, nil
}

// RecordJoin はチャンネル参加を記録します
func (g *Guard) RecordJoin(ctx context.Context, sessionID, hostID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx, sessionID)
	if err != nil {
		return err
	}
	st.Entries = append(st.Entries, models.ChannelHopEntry{HostID: hostID, JoinTime: g.now()})
	if len(st.Entries) > maxEntries {
		st.Entries = append([]models.ChannelHopEntry(nil), st.Entries[len(st.Entries)-maxEntries:]...)
	}
	st.VisitedChannels[hostID] = struct{}{}
	return g.store.Save(ctx, sessionID, st)
}

// RecordLeave はチャンネル退出を記録し、更新後の状態を返します
// hoppingは別チャンネルへの移動の一部としての退出かどうかを表します
func (g *Guard) RecordLeave(ctx context.Context, sessionID, hostID string, hopping bool) (models.ChannelHoppingState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx, sessionID)
	if err != nil {
		return st, err
	}
	next, completed := applyLeave(st, hostID, g.now(), hopping, g.cfg)
	if !completed {
		log.Debug().Str("sessionId", sessionID).Str("hostId", hostID).Msg("leave without matching join")
		return st, nil
	}
	if next.IsBlocked && !st.IsBlocked {
		metric.Incr(metric.HopBlocked, nil)
		log.Warn().Str("sessionId", sessionID).Int("shortHops", g.cfg.MaxShortHops).Msg("caller blocked for channel hopping")
	}
	return next, g.store.Save(ctx, sessionID, next)
}

// State は現在の状態を返します
func (g *Guard) State(ctx context.Context, sessionID string) (models.ChannelHoppingState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load(ctx, sessionID)
}

// Reset はセッションの状態を完全に消去します
func (g *Guard) Reset(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Delete(ctx, sessionID)
}

// ExpireBlocks は期限切れのブロックをすべて解除し、解除件数を返します
func (g *Guard) ExpireBlocks(ctx context.Context) (int, error) {
	ids, err := g.store.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	now := g.now()
	for _, id := range ids {
		st, err := g.load(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to load hop state")
			continue
		}
		next, expired := expireBlock(st, now, g.cfg)
		if !expired {
			continue
		}
		if err := g.store.Save(ctx, id, next); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to save hop state")
			continue
		}
		n++
	}
	return n, nil
}

// Run は一定間隔でExpireBlocksを実行します。ctxがキャンセルされるまでブロックします
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := g.ExpireBlocks(ctx); err != nil {
				log.Warn().Err(err).Msg("hop block expiry sweep failed")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("hop blocks expired")
			}
		}
	}
}

func (g *Guard) load(ctx context.Context, sessionID string) (models.ChannelHoppingState, error) {
	st, ok, err := g.store.Load(ctx, sessionID)
	if err != nil {
		return models.NewChannelHoppingState(), err
	}
	if !ok {
		return models.NewChannelHoppingState(), nil
	}
	if st.VisitedChannels == nil {
		st.VisitedChannels = make(map[string]struct{})
	}
	return st, nil
}

// applyLeave は退出を状態に反映します
// 長時間の滞在、またはホップではない退出の場合は状態を完全にリセットします
// それ以外は最新から遡って連続する短時間訪問を数え、上限に達したらブロックします
func applyLeave(st models.ChannelHoppingState, hostID string, now time.Time, hopping bool, cfg Config) (models.ChannelHoppingState, bool) {
	idx := -1
	for i := len(st.Entries) - 1; i >= 0; i-- {
		if st.Entries[i].HostID == hostID && !st.Entries[i].Completed() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return st, false
	}

	leave := now
	e := st.Entries[idx]
	e.LeaveTime = &leave
	e.Duration = leave.Sub(e.JoinTime)
	st.Entries[idx] = e

	if e.Duration >= cfg.ShortVisit || !hopping {
		return models.NewChannelHoppingState(), true
	}

	short := 0
	for i := len(st.Entries) - 1; i >= 0; i-- {
		en := st.Entries[i]
		if !en.Completed() {
			continue
		}
		if en.Duration >= cfg.ShortVisit {
			break
		}
		short++
	}
	if short >= cfg.MaxShortHops && !st.IsBlocked {
		st.IsBlocked = true
		start := now
		st.BlockStartTime = &start
	}
	return st, true
}

// expireBlock はブロックが期限切れなら状態をリセットします
func expireBlock(st models.ChannelHoppingState, now time.Time, cfg Config) (models.ChannelHoppingState, bool) {
	if !st.IsBlocked || st.BlockStartTime == nil {
		return st, false
	}
	if now.Before(st.BlockStartTime.Add(cfg.BlockDuration)) {
		return st, false
	}
	return models.NewChannelHoppingState(), true
}
