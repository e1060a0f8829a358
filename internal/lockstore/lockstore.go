// Package lockstore はチャンネルIDに対する排他的で有効期限付きの予約を管理します
//
// 同一プロセス内の排他のみを保証します。複数インスタンス構成では
// 同じチャンネルに対して各インスタンスがロックを付与できてしまいます。
package lockstore

import (
	"context"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL           = 10 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

// Result はAcquireの結果です
type Result struct {
	Granted        bool               // 取得（または更新）できたか
	ExistingHolder string             // 拒否された場合の現在の保持者
	Lock           models.ChannelLock // 取得できた場合のロック、拒否された場合は既存のロック
}

// Store はチャンネルロックの保存先インターフェース
// 分散ストアに差し替える場合もこのインターフェースを実装します
type Store interface {
	Acquire(channelID, holderID string, ttl time.Duration) Result
	Release(channelID, holderID string) bool
	Get(channelID string) (models.ChannelLock, bool)
	Sweep(now time.Time) int
}

// MemoryStore はプロセス内メモリ上のStore実装です
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]models.ChannelLock // チャンネルIDをキーとしたロック
	now   func() time.Time
}

// NewMemoryStore は新しいMemoryStoreを作成します
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]models.ChannelLock),
		now:   time.Now,
	}
}

// WithClock は時刻取得関数を差し替えます（テスト用）
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Acquire はチャンネルのロックを取得します
// 以下の場合に取得できます:
// 1. エントリが存在しない
// 2. 既存エントリが期限切れ
// 3. 既存の保持者が同じユーザー（期限を延長）
func (s *MemoryStore) Acquire(channelID, holderID string, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.locks[channelID]
	if ok && !existing.Expired(now) && existing.HolderID != holderID {
		return Result{Granted: false, ExistingHolder: existing.HolderID, Lock: existing}
	}

	lock := models.ChannelLock{
		ChannelID:  channelID,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if ok && !existing.Expired(now) {
		// 同一保持者による更新では取得日時を維持する
		lock.AcquiredAt = existing.AcquiredAt
	} else if ok {
		log.Debug().Str("channelId", channelID).Str("previousHolder", existing.HolderID).
			Msg("replacing expired channel lock")
	}
	s.locks[channelID] = lock
	return Result{Granted: true, Lock: lock}
}

// Release は保持者が一致する場合のみロックを解放します
// 一致しない場合は何もしません（遅れて届いた解放が新しい保持者を追い出さないため）
func (s *MemoryStore) Release(channelID, holderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[channelID]
	if !ok || existing.HolderID != holderID {
		return false
	}
	delete(s.locks, channelID)
	return true
}

// Get は現在のロックを返します（期限切れでも未回収なら返します）
func (s *MemoryStore) Get(channelID string) (models.ChannelLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channelID]
	return l, ok
}

// Len は保持しているエントリ数を返します
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// Sweep は期限切れのエントリを削除し、削除件数を返します
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.locks {
		if l.Expired(now) {
			log.Warn().Str("channelId", id).Str("holderId", l.HolderID).Msg("channel lock expired")
			delete(s.locks, id)
			n++
		}
	}
	return n
}

// Run は一定間隔でSweepを実行します。ctxがキャンセルされるまでブロックします
func Run(ctx context.Context, s Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Debug().Dur("interval", interval).Msg("lock sweep loop starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				metric.Count(metric.LockSwept, int64(n), nil)
			}
		}
	}
}
