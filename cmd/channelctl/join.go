package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/agent"
	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/heartbeat"
	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var joinCmd = &cobra.Command{
	Use:   "join <hostId>",
	Short: "Join a channel and keep it alive until interrupted",
	Long: `As a caller, reserves the channel, renews the lease and sends heartbeats.
As a broadcaster, only sends heartbeats for its own channel.
SIGINT leaves voluntarily. SIGTERM or SIGHUP sends the cleanup beacon.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().String("user", "", "user id (required)")
	joinCmd.Flags().String("role", string(models.RoleCaller), "caller or broadcaster")
	joinCmd.Flags().String("session", "", "session id (issued by the server when empty)")
	joinCmd.Flags().String("channel", "", "channel name reported in heartbeats (defaults to hostId)")
	joinCmd.Flags().Duration("heartbeat-interval", heartbeat.DefaultInterval, "heartbeat interval")
	_ = joinCmd.MarkFlagRequired("user")
}

func runJoin(cmd *cobra.Command, args []string) error {
	hostID := args[0]
	userID, _ := cmd.Flags().GetString("user")
	roleStr, _ := cmd.Flags().GetString("role")
	sessionID, _ := cmd.Flags().GetString("session")
	channel, _ := cmd.Flags().GetString("channel")
	interval, _ := cmd.Flags().GetDuration("heartbeat-interval")

	role := models.Role(roleStr)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", roleStr)
	}
	if channel == "" {
		channel = hostID
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var roomID string
	var lease time.Time
	if role == models.RoleCaller {
		res, err := client.Reserve(ctx, sessionID, userID, hostID)
		if err != nil {
			return describe(err)
		}
		sessionID, roomID = res.SessionID, res.RoomID
		if res.LeaseExpiresAt != nil {
			lease = *res.LeaseExpiresAt
		}
		fmt.Printf("reserved %s (session=%s room=%s)\n", hostID, sessionID, roomID)
		go renewLoop(ctx, userID, hostID, lease)
	}

	tracker := heartbeat.NewTracker(client, interval, heartbeat.DefaultMinInterval)
	tracker.Start(ctx, models.HeartbeatRecord{UserID: userID, ChannelName: channel, RoomID: roomID, Role: role})
	defer tracker.Stop()

	coord, err := cleanup.NewCoordinator(
		cleanup.Participant{Role: role, UserID: userID, HostID: hostID, RoomID: roomID},
		client,
		backend.NewClient(viper.GetString(backendURLKey), viper.GetDuration(timeoutKey)),
		cleanup.Options{},
	)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	sig := <-sigCh
	tracker.Stop()

	exitCtx, exitCancel := context.WithTimeout(context.WithoutCancel(ctx), viper.GetDuration(timeoutKey))
	defer exitCancel()

	if sig == os.Interrupt && role == models.RoleCaller {
		err := client.Leave(exitCtx, sessionID, userID, hostID, roomID, false)
		if err == nil {
			fmt.Printf("left %s\n", hostID)
			return nil
		}
		log.Warn().Err(err).Msg("leave failed, falling back to cleanup beacon")
	}

	signalKind := cleanup.SignalUnload
	if sig != os.Interrupt {
		signalKind = cleanup.SignalPageHide
	}
	coord.Trigger(exitCtx, signalKind)
	fmt.Printf("released %s\n", hostID)
	return nil
}

// renewLoop は有効期限の半分ごとにロックを延長します
func renewLoop(ctx context.Context, callerID, hostID string, lease time.Time) {
	for {
		wait := time.Until(lease) / 2
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		exp, err := client.Renew(ctx, callerID, hostID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("hostId", hostID).Msg("lease renewal failed")
			}
			return
		}
		lease = exp
	}
}

// describe はサーバーエラーを利用者向けの文言にします
func describe(err error) error {
	var apiErr *agent.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.RetryAfter > 0 {
		return fmt.Errorf("%s: %s (retry after %ds)", apiErr.ErrorType, apiErr.Message, apiErr.RetryAfter)
	}
	if apiErr.ErrorType != "" {
		return fmt.Errorf("%s: %s", apiErr.ErrorType, apiErr.Message)
	}
	return err
}
