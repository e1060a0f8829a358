// Package repo はRedisを使った永続化を提供します
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// キー空間
// 索引キー（:index:）と個別レコード（:record: / :state:）は接頭辞で分け、
// クライアント由来のIDが索引キーと重ならないようにします
const (
	heartbeatsKey    = "heartbeat:index"         // 登録済みハートビートキーのset
	hopSessionsKey   = "hopguard:index:sessions" // ホップ状態を持つセッションのset
	cleanupOutboxKey = "cleanup:outbox"          // 解放依頼のlist
)

func heartbeatKey(channel, role string) string {
	return fmt.Sprintf("heartbeat:record:%s:%s", channel, role)
}

func hopStateKey(sessionID string) string {
	return fmt.Sprintf("hopguard:state:%s", sessionID)
}

// NewClient は接続プール設定済みのRedisクライアントを作成し、疎通を確認します
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
