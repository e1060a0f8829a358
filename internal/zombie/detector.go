// Package zombie は配信者一覧とハートビートを突き合わせ、実体のないチャンネルを検出します
package zombie

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Kind は検出の種類です
type Kind string

const (
	KindZombie             Kind = "zombie"              // in_callなのに誰のハートビートも無い
	KindCallerDisconnected Kind = "caller_disconnected" // 配信者は生存しているがcallerが消えた
)

var ErrTickInFlight = errors.New("previous zombie tick still in flight")

// Finding は1件の検出結果です
type Finding struct {
	Kind       Kind      `json:"kind"`
	HostID     string    `json:"hostId"`
	UserID     string    `json:"userId"`
	Channel    string    `json:"channel"`
	RoomID     string    `json:"roomId,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
}

// HeartbeatSource は生存中のハートビート一覧です
type HeartbeatSource interface {
	ListHeartbeats(ctx context.Context) ([]models.HeartbeatRecord, error)
}

// Directory は外部バックエンドの配信者一覧です
type Directory interface {
	ListBroadcasters(ctx context.Context) ([]models.Broadcaster, error)
}

// Callback は検出結果の通知先です
type Callback func(ctx context.Context, f Finding)

// Config は検出ループの設定です
type Config struct {
	Interval time.Duration
	Timeout  time.Duration // 1回の取得にかける時間の上限
}

func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Timeout: 5 * time.Second}
}

// Detector は一定間隔でゾンビチャンネルを検出します
type Detector struct {
	hb  HeartbeatSource
	dir Directory
	cb  Callback
	cfg Config
	now func() time.Time

	inFlight atomic.Bool
	stopped  atomic.Bool

	mu        sync.Mutex
	processed map[Kind]map[string]struct{} // 通知済みチャンネル
	cancel    context.CancelFunc
	done      chan struct{}
}

// New は新しいDetectorを作成します
func New(hb HeartbeatSource, dir Directory, cfg Config, cb Callback) *Detector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Detector{
		hb:  hb,
		dir: dir,
		cb:  cb,
		cfg: cfg,
		now: time.Now,
		processed: map[Kind]map[string]struct{}{
			KindZombie:             {},
			KindCallerDisconnected: {},
		},
	}
}

func (d *Detector) alive(ctx context.Context) bool {
	return !d.stopped.Load() && ctx.Err() == nil
}

// Tick は1回分の検出を行い、新たに通知した結果を返します
// 前回のTickが終わっていない場合はErrTickInFlightを返して何もしません
func (d *Detector) Tick(ctx context.Context) ([]Finding, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTickInFlight
	}
	defer d.inFlight.Store(false)

	if !d.alive(ctx) {
		return nil, nil
	}

	var (
		heartbeats   []models.HeartbeatRecord
		broadcasters []models.Broadcaster
	)
	tctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(tctx)
	g.Go(func() error {
		var err error
		heartbeats, err = d.hb.ListHeartbeats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		broadcasters, err = d.dir.ListBroadcasters(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !d.alive(ctx) {
		return nil, nil
	}

	findings := d.reconcile(heartbeats, broadcasters)
	delivered := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if !d.alive(ctx) {
			break
		}
		metric.Incr(metric.ZombieFinding, []string{metric.Tag("kind", string(f.Kind))})
		log.Warn().Str("kind", string(f.Kind)).Str("hostId", f.HostID).Str("channel", f.Channel).Msg("channel liveness finding")
		if d.cb != nil {
			d.cb(ctx, f)
		}
		delivered = append(delivered, f)
	}
	return delivered, nil
}

// reconcile は通知すべき結果を求め、通知済みとして記録します
// in_callでなくなったチャンネルは通知済みから外します
func (d *Detector) reconcile(heartbeats []models.HeartbeatRecord, broadcasters []models.Broadcaster) []Finding {
	type presence struct{ caller, broadcaster bool }
	seen := make(map[string]presence, len(heartbeats))
	for _, h := range heartbeats {
		p := seen[h.ChannelName]
		switch h.Role {
		case models.RoleCaller:
			p.caller = true
		case models.RoleBroadcaster:
			p.broadcaster = true
		}
		seen[h.ChannelName] = p
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	roster := make(map[string]struct{})
	var out []Finding
	now := d.now()
	for _, b := range broadcasters {
		if b.Status != models.StatusInCall || b.Channel == "" {
			continue
		}
		roster[b.Channel] = struct{}{}

		p, ok := seen[b.Channel]
		var kind Kind
		switch {
		case !ok:
			kind = KindZombie
		case p.broadcaster && !p.caller:
			kind = KindCallerDisconnected
		default:
			continue
		}
		if _, done := d.processed[kind][b.Channel]; done {
			continue
		}
		d.processed[kind][b.Channel] = struct{}{}
		out = append(out, Finding{
			Kind:       kind,
			HostID:     b.HostID,
			UserID:     b.UserID,
			Channel:    b.Channel,
			RoomID:     b.RoomID,
			DetectedAt: now,
		})
	}

	for _, set := range d.processed {
		for ch := range set {
			if _, ok := roster[ch]; !ok {
				delete(set, ch)
			}
		}
	}
	return out
}

// Run は検出ループを開始します。Stopかctxのキャンセルで終了します
func (d *Detector) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel, d.done = cancel, done
	d.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", d.cfg.Interval).Msg("zombie detector started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("zombie detector stopped")
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				if errors.Is(err, ErrTickInFlight) {
					log.Debug().Msg("skipping zombie tick, previous tick in flight")
					continue
				}
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("zombie tick failed")
				}
			}
		}
	}
}

// Stop は以降のコールバックを止め、Runの終了を待ちます
func (d *Detector) Stop() {
	d.stopped.Store(true)
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
