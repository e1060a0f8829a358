package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/backend"
	"github.com/SteamVC/SteamVC_Match/internal/cleanup"
	"github.com/SteamVC/SteamVC_Match/internal/config"
	"github.com/SteamVC/SteamVC_Match/internal/handlers"
	"github.com/SteamVC/SteamVC_Match/internal/heartbeat"
	"github.com/SteamVC/SteamVC_Match/internal/hopguard"
	httpx "github.com/SteamVC/SteamVC_Match/internal/http"
	"github.com/SteamVC/SteamVC_Match/internal/lockstore"
	"github.com/SteamVC/SteamVC_Match/internal/logger"
	"github.com/SteamVC/SteamVC_Match/internal/metric"
	"github.com/SteamVC/SteamVC_Match/internal/repo"
	"github.com/SteamVC/SteamVC_Match/internal/retry"
	"github.com/SteamVC/SteamVC_Match/internal/service"
	"github.com/SteamVC/SteamVC_Match/internal/zombie"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "channel-server",
	Short:        "Channel reservation and liveness server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlag("api_addr", cmd.Flags().Lookup("addr")); err != nil {
			return err
		}
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.Flags().String("addr", ":8080", "listen address")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// stores はRedis有無で切り替わる永続化先です
type stores struct {
	heartbeats heartbeat.Repo
	hopState   hopguard.StateStore
	outbox     cleanup.Outbox
	close      func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR is empty, using in-memory stores")
		return stores{
			heartbeats: heartbeat.NewMemoryRepo(),
			hopState:   hopguard.NewMemoryStore(),
			outbox:     cleanup.NewMemoryOutbox(0),
			close:      func() {},
		}, nil
	}
	rdb, err := repo.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return stores{}, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return stores{
		heartbeats: repo.NewRedisHeartbeatRepo(rdb),
		hopState:   repo.NewRedisHopStateRepo(rdb, cfg.HopGuard.StateTTL),
		outbox:     repo.NewRedisOutbox(rdb),
		close: func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close error")
			}
		},
	}, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger.Init(cfg.AppName, cfg.LogLevel)
	metric.Init(cfg.StatsdAddr, cfg.AppName, cfg.AppEnv)
	defer metric.Close()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	api := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout)
	policy := retry.Policy{
		MaxAttempts:         cfg.Retry.MaxAttempts,
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		MaxElapsed:          cfg.Retry.MaxElapsed,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}

	locks := lockstore.NewMemoryStore()
	svc := service.NewReservationService(locks, api, policy, cfg.Lock.TTL, service.NewAttemptLog(cfg.AttemptLogSize))
	guard := hopguard.New(st.hopState, hopguard.Config{
		ShortVisit:    cfg.HopGuard.ShortVisit,
		MaxShortHops:  cfg.HopGuard.MaxShortHops,
		BlockDuration: cfg.HopGuard.BlockDuration,
	})
	gw := service.NewGateway(svc, guard, api)
	registry := heartbeat.NewRegistry(st.heartbeats, cfg.Heartbeat.LivenessWindow)
	hub := handlers.NewAlertHub()

	callbacks := []zombie.Callback{hub.Notify}
	if cfg.Zombie.AutoRelease {
		callbacks = append(callbacks, zombie.AutoRelease(cleanup.OutboxBeacon{Outbox: st.outbox}))
	}
	detector := zombie.New(registry, api, zombie.Config{
		Interval: cfg.Zombie.Interval,
		Timeout:  cfg.Zombie.Timeout,
	}, zombie.Fanout(callbacks...))

	worker := cleanup.NewWorker(st.outbox, api, cleanup.WorkerConfig{
		MaxAttempts: cfg.Cleanup.MaxAttempts,
		PollTimeout: cfg.Cleanup.PollTimeout,
		Policy:      policy,
		Retryable:   func(err error) bool { return errors.Is(err, backend.ErrTransport) },
	})

	router := httpx.NewRouter(httpx.Handlers{
		Channel:   handlers.NewChannelHandler(gw),
		Heartbeat: handlers.NewHeartbeatHandler(registry),
		Cleanup:   handlers.NewCleanupHandler(st.outbox),
		WebSocket: handlers.NewWebSocketHandler(hub, cfg.AllowedOrigin),
	}, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { lockstore.Run(gctx, locks, cfg.Lock.SweepInterval); return nil })
	g.Go(func() error { guard.Run(gctx, cfg.HopGuard.CheckInterval); return nil })
	g.Go(func() error { detector.Run(gctx); return nil })
	g.Go(func() error { worker.Run(gctx); return nil })

	// サーバーを別goroutineで起動
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// シャットダウンシグナルを待つ
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, shutting down gracefully...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	// 検出結果の通知を止めてからバックグラウンド処理を終了
	detector.Stop()
	cancelBg()
	_ = g.Wait()

	log.Info().Msg("server stopped")
	return serveErr
}
