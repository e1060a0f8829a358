// Package heartbeat は参加者の生存通知（ハートビート）の送信と集約を扱います
package heartbeat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/models"
)

const DefaultLivenessWindow = 30 * time.Second

var (
	ErrInvalidRecord = errors.New("heartbeat requires userId, channelName and a valid role")
)

// Repo はハートビートの保存先です
// チャンネル+ロール単位で上書きし、ttl経過後に自然消滅させます
type Repo interface {
	Upsert(ctx context.Context, rec models.HeartbeatRecord, ttl time.Duration) error
	List(ctx context.Context) ([]models.HeartbeatRecord, error)
}

// Registry は生存通知を受け付け、生存期間内のものだけを返します
type Registry struct {
	repo   Repo
	window time.Duration
	now    func() time.Time
}

// NewRegistry は新しいRegistryを作成します
func NewRegistry(repo Repo, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Registry{repo: repo, window: window, now: time.Now}
}

// WithClock は時刻取得関数を差し替えます（テスト用）
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Window は生存期間を返します
func (r *Registry) Window() time.Duration { return r.window }

// Record はハートビートを登録します。LastSeenはサーバー時刻で上書きします
func (r *Registry) Record(ctx context.Context, rec models.HeartbeatRecord) error {
	rec.UserID = strings.TrimSpace(rec.UserID)
	rec.ChannelName = strings.TrimSpace(rec.ChannelName)
	if rec.UserID == "" || rec.ChannelName == "" || !rec.Role.Valid() {
		return ErrInvalidRecord
	}
	rec.LastSeen = r.now()
	if err := r.repo.Upsert(ctx, rec, r.window); err != nil {
		return err
	}
	metric.Incr(metric.HeartbeatReceived, []string{metric.Tag("role", string(rec.Role))})
	return nil
}

// SendHeartbeat はRecordのエイリアスです（同一プロセス内のTracker用）
func (r *Registry) SendHeartbeat(ctx context.Context, rec models.HeartbeatRecord) error {
	return r.Record(ctx, rec)
}

// Live は生存期間内のハートビートを新しい順に返します
func (r *Registry) Live(ctx context.Context) ([]models.HeartbeatRecord, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-r.window)
	out := make([]models.HeartbeatRecord, 0, len(all))
	for _, h := range all {
		if h.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

// ListHeartbeats はLiveのエイリアスです（ゾンビ検出用）
func (r *Registry) ListHeartbeats(ctx context.Context) ([]models.HeartbeatRecord, error) {
	return r.Live(ctx)
}

// MemoryRepo はプロセス内メモリ上のRepo実装です
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rec     models.HeartbeatRecord
	expires time.Time
}

// NewMemoryRepo は新しいMemoryRepoを作成します
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryRepo) Upsert(_ context.Context, rec models.HeartbeatRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key()] = memoryEntry{rec: rec, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryRepo) List(_ context.Context) ([]models.HeartbeatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]models.HeartbeatRecord, 0, len(m.records))
	for k, e := range m.records {
		if !now.Before(e.expires) {
			delete(m.records, k)
			continue
		}
		out = append(out, e.rec)
	}
	return out, nil
}
