package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-fps-relay/internal/config"
	"github.com/koopa0/system-design/14-fps-relay/internal/events"
	"github.com/koopa0/system-design/14-fps-relay/internal/handler"
	"github.com/koopa0/system-design/14-fps-relay/internal/maps"
	"github.com/koopa0/system-design/14-fps-relay/internal/migrations"
	"github.com/koopa0/system-design/14-fps-relay/internal/ratelimit"
	"github.com/koopa0/system-design/14-fps-relay/internal/registry"
	"github.com/koopa0/system-design/14-fps-relay/internal/relay"
	"github.com/koopa0/system-design/14-fps-relay/internal/transport"
	"github.com/koopa0/system-design/14-fps-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, logCloser, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log output: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		closeQuietly(logCloser)
		os.Exit(1)
	}
	closeQuietly(logCloser)
}

// backends 啟動時開啟、結束時關閉的外部資源
type backends struct {
	index       maps.Index
	uploadLimit ratelimit.Limiter
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 事件發布：未設定 NATS 時停用
	var sink events.Sink = events.NopSink{}
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() {
			if err := natsSink.Close(); err != nil {
				log.Error("failed to drain nats", "error", err)
			}
		}()
		sink = natsSink
	}

	store, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	mapSvc, err := maps.NewService(maps.Config{
		Dir:               cfg.Maps.Dir,
		MaxUploadBytes:    cfg.Maps.MaxUploadBytes,
		AllowedExtensions: cfg.Maps.AllowedExtensions,
	}, store.index, log)
	if err != nil {
		return fmt.Errorf("init map store: %w", err)
	}

	// 中繼核心
	reg := registry.New(log)
	coord := relay.New(reg,
		relay.WithLogger(log),
		relay.WithSink(sink),
		relay.WithDefaultDamage(cfg.Relay.DefaultDamage),
		relay.WithMaxRoomName(cfg.Relay.MaxRoomName),
	)
	hub := transport.NewHub(coord, reg, transport.Config{
		PongWait:        cfg.WebSocket.PongWait,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		WriteWait:       cfg.WebSocket.WriteWait,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}, log)

	clientKey, err := ratelimit.ForwardedClientIP(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	h := handler.New(coord, reg, hub.ServeWS, mapSvc, handler.Options{
		StaticDir:      cfg.HTTP.StaticDir,
		CORSOrigin:     cfg.HTTP.CORSOrigin,
		MaxUploadBytes: cfg.Maps.MaxUploadBytes,
		UploadLimit:    ratelimit.Middleware(store.uploadLimit, clientKey, log),
	}, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", cfg.Server.Port,
			"maps_backend", cfg.Maps.Backend,
			"events", cfg.Events.NATSURL != "")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 被接管的 WebSocket 連線不受 srv.Shutdown 管理，先行關閉
		if err := hub.Stop(ctx); err != nil {
			log.Error("failed to stop websocket hub", "error", err)
		}

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}

// openBackends 依 maps.backend 建立地圖索引與上傳限流器
//
// redis 後端時限流狀態也放在 Redis，多個實例共用額度。
func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{
		uploadLimit: ratelimit.NewKeyedLimiter(cfg.Maps.UploadBurst, cfg.Maps.UploadRate),
	}

	switch cfg.Maps.Backend {
	case config.BackendFile:
		idx, err := maps.NewFileIndex(filepath.Join(cfg.Maps.Dir, cfg.Maps.IndexFile))
		if err != nil {
			return nil, fmt.Errorf("open map index: %w", err)
		}
		b.index = idx

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })

		b.index = maps.NewRedisIndex(client, cfg.Redis.KeyPrefix)
		b.uploadLimit = ratelimit.NewRedisTokenBucket(client, cfg.Redis.KeyPrefix+"ratelimit:", cfg.Maps.UploadBurst, cfg.Maps.UploadRate)

	case config.BackendPostgres:
		// 執行資料庫遷移
		if err := migrations.Run(cfg.Postgres.DSN, log); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		pgConfig, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)

		b.index = maps.NewPostgresIndex(pool)

	default:
		return nil, fmt.Errorf("unknown maps backend %q", cfg.Maps.Backend)
	}

	return b, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
