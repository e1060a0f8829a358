package zombie

import (
	"context"

	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
)

// Fanout は複数の通知先に順番に通知します
func Fanout(cbs ...Callback) Callback {
	return func(ctx context.Context, f Finding) {
		for _, cb := range cbs {
			if cb != nil {
				cb(ctx, f)
			}
		}
	}
}

// AutoRelease はゾンビと判定されたチャンネルを配信者の終了として解放依頼に積みます
// callerの切断は配信者がまだ生存しているため対象外です
func AutoRelease(b cleanup.Beacon) Callback {
	s, _ := cleanup.StrategyFor(models.RoleBroadcaster)
	return func(ctx context.Context, f Finding) {
		if f.Kind != KindZombie {
			return
		}
		intents := s.Intents(cleanup.Participant{
			Role:   models.RoleBroadcaster,
			UserID: f.UserID,
			HostID: f.HostID,
			RoomID: f.RoomID,
		})
		if !b.SendBeacon(ctx, intents) {
			log.Warn().Str("hostId", f.HostID).Msg("failed to enqueue zombie auto release")
			return
		}
		log.Info().Str("hostId", f.HostID).Str("channel", f.Channel).Msg("zombie channel release enqueued")
	}
}
