package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/retry"
	"github.com/rs/zerolog/log"
)

var ErrOutboxFull = errors.New("cleanup outbox is full")

// Outbox は解放依頼の保存先です
// 1回のPushで渡された依頼は1つのまとまりとして保存され、Popも順序を保ったまとまりで返します
// Popはtimeout経過でok=falseを返します
type Outbox interface {
	Push(ctx context.Context, intents ...Intent) error
	Pop(ctx context.Context, timeout time.Duration) ([]Intent, bool, error)
}

// OutboxBeacon はアウトボックスへの登録をBeaconとして扱います
type OutboxBeacon struct {
	Outbox Outbox
}

func (b OutboxBeacon) SendBeacon(ctx context.Context, intents []Intent) bool {
	if err := b.Outbox.Push(ctx, intents...); err != nil {
		log.Warn().Err(err).Msg("failed to enqueue cleanup intents")
		return false
	}
	return true
}

// MemoryOutbox はプロセス内のOutbox実装です（Redisが無い環境用）
// 満杯のときは何も登録せずErrOutboxFullを返します
type MemoryOutbox struct {
	ch chan []Intent
}

// NewMemoryOutbox は容量size（まとまり数）のMemoryOutboxを作成します
func NewMemoryOutbox(size int) *MemoryOutbox {
	if size <= 0 {
		size = 1024
	}
	return &MemoryOutbox{ch: make(chan []Intent, size)}
}

func (m *MemoryOutbox) Push(_ context.Context, intents ...Intent) error {
	if len(intents) == 0 {
		return nil
	}
	batch := append([]Intent(nil), intents...)
	select {
	case m.ch <- batch:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (m *MemoryOutbox) Pop(ctx context.Context, timeout time.Duration) ([]Intent, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case batch := <-m.ch:
		return batch, true, nil
	case <-t.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Len は未処理のまとまり数を返します
func (m *MemoryOutbox) Len() int { return len(m.ch) }

// WorkerConfig はWorkerの動作設定です
type WorkerConfig struct {
	MaxAttempts int           // アウトボックスからの取り出し回数の上限
	PollTimeout time.Duration // Popの待ち時間
	Policy      retry.Policy  // 1回の取り出し内での再試行
	Retryable   retry.Predicate
}

// Worker はアウトボックスの解放依頼をバックエンドへ配送します
type Worker struct {
	outbox Outbox
	exec   Executor
	cfg    WorkerConfig
}

// NewWorker は新しいWorkerを作成します
func NewWorker(outbox Outbox, exec Executor, cfg WorkerConfig) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Worker{outbox: outbox, exec: exec, cfg: cfg}
}

// Run はctxがキャンセルされるまでアウトボックスを処理します
func (w *Worker) Run(ctx context.Context) {
	log.Info().Int("maxAttempts", w.cfg.MaxAttempts).Msg("cleanup worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("cleanup worker stopped")
			return
		}
		batch, ok, err := w.outbox.Pop(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Msg("failed to pop cleanup intent")
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if !ok {
			continue
		}
		w.Process(ctx, batch)
	}
}

// Process は1つのまとまりを先頭から順に配送します
// 途中で失敗した場合は、失敗した依頼とそれ以降を1つのまとまりとして再登録し、後続が先に実行されないようにします
// 失敗した依頼が試行回数の上限に達した場合は残り全体を破棄します
func (w *Worker) Process(ctx context.Context, batch []Intent) {
	for i := range batch {
		in := &batch[i]
		in.Attempts++
		l := log.With().Str("intentId", in.ID).Str("action", string(in.Action)).Str("hostId", in.HostID).Int("attempt", in.Attempts).Logger()

		if err := in.Validate(); err != nil {
			l.Warn().Err(err).Msg("dropping invalid cleanup intent")
			metric.Incr(metric.CleanupDropped, []string{metric.Tag("reason", "invalid")})
			continue
		}

		_, err := retry.Do(ctx, w.cfg.Policy, w.cfg.Retryable, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, Execute(ctx, w.exec, *in)
		})
		if err == nil {
			l.Debug().Msg("cleanup intent delivered")
			metric.Incr(metric.CleanupDelivered, []string{metric.Tag("action", string(in.Action))})
			continue
		}

		rest := batch[i:]
		if in.Attempts >= w.cfg.MaxAttempts {
			l.Error().Err(err).Int("remaining", len(rest)).Msg("dropping cleanup intents after max attempts")
			metric.Count(metric.CleanupDropped, int64(len(rest)), []string{metric.Tag("reason", "max_attempts")})
			return
		}
		l.Warn().Err(err).Int("remaining", len(rest)).Msg("cleanup delivery failed, requeueing")
		if perr := w.outbox.Push(context.WithoutCancel(ctx), rest...); perr != nil {
			l.Error().Err(perr).Msg("failed to requeue cleanup intents")
			metric.Count(metric.CleanupDropped, int64(len(rest)), []string{metric.Tag("reason", "requeue_failed")})
		}
		return
	}
}
