// Package retry は任意の処理を指数バックオフでリトライします
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy はリトライの上限とバックオフ間隔を表します
type Policy struct {
	MaxAttempts         int           // 初回を含む最大試行回数
	InitialInterval     time.Duration // 初回の待ち時間
	MaxInterval         time.Duration // 待ち時間の上限
	MaxElapsed          time.Duration // 全体の待ち時間の上限（0なら無制限）
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy はデフォルトのリトライ設定を返します
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsed:          8 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Predicate はエラーがリトライ可能かを判定します
type Predicate func(error) bool

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do はopを実行し、retryableがtrueを返すエラーの間だけリトライします
// 試行回数か経過時間の上限に達した場合は最後のエラーを返します
func Do[T any](ctx context.Context, p Policy, retryable Predicate, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && (retryable == nil || !retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying operation")
	}
	return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
}
