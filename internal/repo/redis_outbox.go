package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisOutbox は解放依頼をRedisのlistに保存するアウトボックスです
type RedisOutbox struct{ rdb *redis.Client }

func NewRedisOutbox(rdb *redis.Client) *RedisOutbox {
	return &RedisOutbox{rdb: rdb}
}

// Push は依頼をJSON配列1件としてlistへ追加します。まとまりは分割されません
func (o *RedisOutbox) Push(ctx context.Context, intents ...cleanup.Intent) error {
	if len(intents) == 0 {
		return nil
	}
	b, err := json.Marshal(intents)
	if err != nil {
		return err
	}
	return o.rdb.RPush(ctx, cleanupOutboxKey, b).Err()
}

func (o *RedisOutbox) Pop(ctx context.Context, timeout time.Duration) ([]cleanup.Intent, bool, error) {
	res, err := o.rdb.BLPop(ctx, timeout, cleanupOutboxKey).Result()
	if err == redis.Nil { // タイムアウト
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// res[0]はキー名、res[1]が値
	var batch []cleanup.Intent
	if err := json.Unmarshal([]byte(res[1]), &batch); err != nil || len(batch) == 0 {
		log.Warn().Err(err).Msg("discarding malformed cleanup intents")
		return nil, false, nil
	}
	return batch, true, nil
}

// Len は未処理のまとまり数を返します
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.rdb.LLen(ctx, cleanupOutboxKey).Result()
}
