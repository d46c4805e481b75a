package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/bus"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/config"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/handlers"
	httpx "github.com/LincolnLPC/bunker-LPC-sub000/internal/http"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/repo"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("failed to load .env")
	}
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "bunker-relay",
		Short:         "Room-scoped realtime relay for signaling, broadcasts and change notifications.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	config.ServerFlags(fs)
	fs.BoolP(config.KeyVerbose, "v", false, "display debug output (env: BUNKER_VERBOSE)")
	config.BindFlags(v, fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(cfg.Verbose)
	log := logrus.NewEntry(logger)

	var (
		presence repo.PresenceRepo
		b        bus.Bus
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		defer rdb.Close()

		// Redis接続確認
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		presence = repo.NewRedisPresenceRepo(rdb)
		b = bus.NewRedis(rdb, log)
	} else {
		log.Info("no redis configured, running single instance in memory")
		presence = repo.NewMemoryPresenceRepo()
		b = bus.NewLocal(256)
	}
	if cfg.PublishSecret == "" {
		log.Warn("publish secret not set, REST publishing is disabled")
	}

	svc := service.NewChannelService(presence, cfg.MemberTTLSeconds(), cfg.PublishSecret)
	hub := handlers.NewChannelHub(log)
	ws := handlers.NewWebSocketHandler(svc, hub, b, log)
	ch := handlers.NewChannelHandler(svc, b, log)
	router := httpx.NewRouter(ch, ws, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナル
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	busDone := make(chan error, 1)
	go func() { busDone <- b.Run(ctx, hub.Deliver) }()

	// サーバーを別goroutineで起動
	srvErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.APIAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// シャットダウンシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, shutting down gracefully...")
	case err := <-srvErr:
		return err
	case err := <-busDone:
		if err != nil {
			log.WithError(err).Error("bus stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}

	log.Info("server stopped")
	return nil
}
