// Package config はアプリケーションの設定を管理します
// 環境変数（および任意の設定ファイル）から設定を読み込み、デフォルト値を提供します
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	defaultAPIAddr        = ":8080"                 // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr      = "localhost:6379"        // Redisのデフォルト接続先
	defaultBackendBaseURL = "http://localhost:3000" // 外部バックエンドのデフォルトURL
	defaultStatsdAddr     = "localhost:8125"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	AppName        string        `mapstructure:"app_name"`
	AppEnv         string        `mapstructure:"app_env"`
	LogLevel       string        `mapstructure:"app_log_level"`
	APIAddr        string        `mapstructure:"api_addr"`               // APIサーバーのリッスンアドレス
	RedisAddr      string        `mapstructure:"redis_addr"`             // Redisの接続先（空ならインメモリ）
	BackendBaseURL string        `mapstructure:"backend_base_url"`       // 外部バックエンドのURL
	BackendTimeout time.Duration `mapstructure:"backend_timeout"`        // 外部バックエンド呼び出しのタイムアウト
	AllowedOrigin  []string      `mapstructure:"cors_allowed_origins"`   // CORSで許可するオリジン一覧
	StatsdAddr     string        `mapstructure:"statsd_addr"`            // DogStatsDの送信先
	AttemptLogSize int           `mapstructure:"attempt_log_size"`       // 接続試行ログのリングバッファ長
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace_timeout"` // Graceful Shutdownの待ち時間

	Lock      LockConfig      `mapstructure:",squash"`
	Retry     RetryConfig     `mapstructure:",squash"`
	Heartbeat HeartbeatConfig `mapstructure:",squash"`
	Zombie    ZombieConfig    `mapstructure:",squash"`
	HopGuard  HopGuardConfig  `mapstructure:",squash"`
	Cleanup   CleanupConfig   `mapstructure:",squash"`
}

// LockConfig はチャンネル予約ロックの設定です
type LockConfig struct {
	TTL           time.Duration `mapstructure:"lock_ttl"`
	SweepInterval time.Duration `mapstructure:"lock_sweep_interval"`
}

// RetryConfig は外部呼び出しのリトライ設定です
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"retry_max_attempts"`
	InitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	MaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	MaxElapsed      time.Duration `mapstructure:"retry_max_elapsed"`
}

// HeartbeatConfig はハートビートの設定です
type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"heartbeat_interval"`
	MinInterval    time.Duration `mapstructure:"heartbeat_min_interval"`
	LivenessWindow time.Duration `mapstructure:"heartbeat_liveness_window"`
}

// ZombieConfig はゾンビチャンネル検出の設定です
type ZombieConfig struct {
	Interval    time.Duration `mapstructure:"zombie_interval"`
	Timeout     time.Duration `mapstructure:"zombie_timeout"`
	AutoRelease bool          `mapstructure:"zombie_auto_release"`
}

// HopGuardConfig はチャンネルホッピング検出の設定です
type HopGuardConfig struct {
	ShortVisit    time.Duration `mapstructure:"hopguard_short_visit"`
	MaxShortHops  int           `mapstructure:"hopguard_max_short_hops"`
	BlockDuration time.Duration `mapstructure:"hopguard_block_duration"`
	CheckInterval time.Duration `mapstructure:"hopguard_check_interval"`
	StateTTL      time.Duration `mapstructure:"hopguard_state_ttl"`
}

// CleanupConfig は切断時クリーンアップの設定です
type CleanupConfig struct {
	MaxAttempts   int           `mapstructure:"cleanup_max_attempts"`
	PollTimeout   time.Duration `mapstructure:"cleanup_poll_timeout"`
	FallbackDelay time.Duration `mapstructure:"cleanup_fallback_delay"`
}

// SetDefaults はviperにデフォルト値を登録します
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "channel-server")
	v.SetDefault("app_env", "local")
	v.SetDefault("app_log_level", "INFO")
	v.SetDefault("api_addr", defaultAPIAddr)
	v.SetDefault("redis_addr", defaultRedisAddr)
	v.SetDefault("backend_base_url", defaultBackendBaseURL)
	v.SetDefault("backend_timeout", 5*time.Second)
	v.SetDefault("cors_allowed_origins", strings.Join(defaultAllowedOrigins, ","))
	v.SetDefault("statsd_addr", defaultStatsdAddr)
	v.SetDefault("attempt_log_size", 200)
	v.SetDefault("shutdown_grace_timeout", 30*time.Second)

	v.SetDefault("lock_ttl", 10*time.Second)
	v.SetDefault("lock_sweep_interval", 15*time.Second)

	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_initial_interval", 200*time.Millisecond)
	v.SetDefault("retry_max_interval", 2*time.Second)
	v.SetDefault("retry_max_elapsed", 8*time.Second)

	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("heartbeat_min_interval", 5*time.Second)
	v.SetDefault("heartbeat_liveness_window", 30*time.Second)

	v.SetDefault("zombie_interval", 15*time.Second)
	v.SetDefault("zombie_timeout", 5*time.Second)
	v.SetDefault("zombie_auto_release", false)

	v.SetDefault("hopguard_short_visit", 15*time.Second)
	v.SetDefault("hopguard_max_short_hops", 4)
	v.SetDefault("hopguard_block_duration", 5*time.Minute)
	v.SetDefault("hopguard_check_interval", 10*time.Second)
	v.SetDefault("hopguard_state_ttl", 24*time.Hour)

	v.SetDefault("cleanup_max_attempts", 5)
	v.SetDefault("cleanup_poll_timeout", 2*time.Second)
	v.SetDefault("cleanup_fallback_delay", 100*time.Millisecond)
}

// bindEnvVars はキーと環境変数名を対応付けます
func bindEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
}

// Load はviperから設定を読み込みます
// cfgFileが空の場合は環境変数とデフォルト値のみを使用します
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	bindEnvVars(v)
	v.AutomaticEnv()
	v.AllowEmptyEnv(true) // REDIS_ADDR="" でインメモリ動作にする

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
		log.Info().Str("file", v.ConfigFileUsed()).Msg("config file loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigin = splitCSV(v.GetString("cors_allowed_origins"), defaultAllowedOrigins)
	cfg.sanitize()
	return cfg, nil
}

// sanitize は不正な値をデフォルトに戻します
func (c *Config) sanitize() {
	if c.Lock.TTL <= 0 {
		log.Warn().Dur("lockTTL", c.Lock.TTL).Msg("invalid lock ttl, fallback to default")
		c.Lock.TTL = 10 * time.Second
	}
	// 期限切れエントリは最大1回分のスイープ間隔遅れで回収される
	if c.Lock.SweepInterval <= c.Lock.TTL {
		log.Warn().Dur("sweepInterval", c.Lock.SweepInterval).Dur("lockTTL", c.Lock.TTL).
			Msg("sweep interval must exceed lock ttl, adjusting")
		c.Lock.SweepInterval = c.Lock.TTL + c.Lock.TTL/2
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	if c.AttemptLogSize <= 0 {
		c.AttemptLogSize = 200
	}
	if c.HopGuard.MaxShortHops < 1 {
		c.HopGuard.MaxShortHops = 4
	}
}

// splitCSV はカンマ区切りの文字列リストを返します
// 空の場合はデフォルト値を返します
func splitCSV(v string, def []string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
