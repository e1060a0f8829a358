package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisHopStateRepo はセッションごとのホッピング状態をRedisに保存します
type RedisHopStateRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisHopStateRepo(rdb *redis.Client, ttl time.Duration) *RedisHopStateRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHopStateRepo{rdb: rdb, ttl: ttl}
}

func (r *RedisHopStateRepo) Load(ctx context.Context, sessionID string) (models.ChannelHoppingState, bool, error) {
	val, err := r.rdb.Get(ctx, hopStateKey(sessionID)).Bytes()
	if err == redis.Nil { // データがない
		return models.ChannelHoppingState{}, false, nil
	}
	if err != nil {
		return models.ChannelHoppingState{}, false, err
	}
	var st models.ChannelHoppingState
	if err := json.Unmarshal(val, &st); err != nil {
		return models.ChannelHoppingState{}, false, err
	}
	return st, true, nil
}

func (r *RedisHopStateRepo) Save(ctx context.Context, sessionID string, st models.ChannelHoppingState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, hopStateKey(sessionID), b, r.ttl)
	pipe.SAdd(ctx, hopSessionsKey, sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisHopStateRepo) Delete(ctx context.Context, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, hopStateKey(sessionID))
	pipe.SRem(ctx, hopSessionsKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Sessions は状態が残っているセッションIDを返します
// TTLで消えたセッションはここでsetから取り除きます
func (r *RedisHopStateRepo) Sessions(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, hopSessionsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, hopStateKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	alive := make([]string, 0, len(ids))
	var gone []any
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			alive = append(alive, ids[i])
		} else {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) > 0 {
		_ = r.rdb.SRem(ctx, hopSessionsKey, gone...).Err()
	}
	return alive, nil
}
