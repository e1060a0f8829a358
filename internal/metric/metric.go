// Package metric はDogStatsDへのメトリクス送信をまとめます
package metric

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

const (
	ReservationAttempt = "channel_reservation_attempt"
	ReservationLatency = "channel_reservation_latency"
	LockSwept          = "channel_lock_swept"
	ZombieFinding      = "channel_zombie_finding"
	HopBlocked         = "channel_hop_blocked"
	CleanupDelivered   = "channel_cleanup_delivered"
	CleanupDropped     = "channel_cleanup_dropped"
	HeartbeatReceived  = "channel_heartbeat_received"
)

var (
	mu     sync.RWMutex
	client statsd.ClientInterface = &statsd.NoOpClient{}
)

// Init はDogStatsDクライアントを初期化します
// 初期化に失敗した場合はNoOpクライアントのまま続行します
func Init(addr, name, env string) {
	c, err := statsd.New(addr, statsd.WithTags([]string{
		Tag("env", env),
		Tag("service", name),
	}))
	if err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("statsd client initialization failed, metrics disabled")
		return
	}
	mu.Lock()
	client = c
	mu.Unlock()
	log.Info().Str("addr", addr).Msg("metrics client initialized")
}

// Close はクライアントをフラッシュして閉じます
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close statsd client")
	}
	client = &statsd.NoOpClient{}
}

// Tag はkey:value形式のタグを作成します
func Tag(key, value string) string {
	return key + ":" + value
}

func get() statsd.ClientInterface {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

// Count はカウンタを加算します
func Count(name string, value int64, tags []string) {
	if err := get().Count(name, value, tags, 1); err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("statsd count failed")
	}
}

// Incr はカウンタを1加算します
func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

// Timing は処理時間を送信します
func Timing(name string, value time.Duration, tags []string) {
	if err := get().Timing(name, value, tags, 1); err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("statsd timing failed")
	}
}

// Gauge はゲージ値を送信します
func Gauge(name string, value float64, tags []string) {
	if err := get().Gauge(name, value, tags, 1); err != nil {
		log.Debug().Err(err).Str("metric", name).Msg("statsd gauge failed")
	}
}
