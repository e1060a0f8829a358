package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisHeartbeatRepo はハートビートをチャンネル+ロール単位でRedisに保存します
// 各レコードはTTL付きで保存され、期限切れで自然に消えます
type RedisHeartbeatRepo struct{ rdb *redis.Client }

func NewRedisHeartbeatRepo(rdb *redis.Client) *RedisHeartbeatRepo {
	return &RedisHeartbeatRepo{rdb: rdb}
}

func (r *RedisHeartbeatRepo) Upsert(ctx context.Context, rec models.HeartbeatRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := heartbeatKey(rec.ChannelName, string(rec.Role))
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, b, ttl)         // 同じチャンネル+ロールは上書き
	pipe.SAdd(ctx, heartbeatsKey, key) // 一覧用のset
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisHeartbeatRepo) List(ctx context.Context) ([]models.HeartbeatRecord, error) {
	keys, err := r.rdb.SMembers(ctx, heartbeatsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []models.HeartbeatRecord{}, nil
	}

	// 一括取得
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.HeartbeatRecord, 0, len(keys))
	var stale []any
	for i, val := range vals {
		b, ok := val.(string)
		if !ok { // 期限切れ
			stale = append(stale, keys[i])
			continue
		}
		var h models.HeartbeatRecord
		if json.Unmarshal([]byte(b), &h) == nil {
			res = append(res, h)
		}
	}
	if len(stale) > 0 {
		// setの掃除は失敗しても一覧結果には影響しない
		_ = r.rdb.SRem(ctx, heartbeatsKey, stale...).Err()
	}
	return res, nil
}
