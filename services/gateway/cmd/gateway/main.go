package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bookclub/internal/ratelimit"
	"bookclub/internal/util"
	"bookclub/services/gateway/internal/config"
	"bookclub/services/gateway/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	var upstreams server.Upstreams
	var err error
	if upstreams.Auth, err = config.ParseUpstream("authServiceURL", cfg.AuthServiceURL); err != nil {
		return err
	}
	if upstreams.Catalog, err = config.ParseUpstream("catalogServiceURL", cfg.CatalogServiceURL); err != nil {
		return err
	}
	if upstreams.Social, err = config.ParseUpstream("socialServiceURL", cfg.SocialServiceURL); err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
	}
	limiter, err := buildLimiter(rdb, cfg.APIRateLimitPerMinute)
	if err != nil {
		return err
	}

	gateway, err := server.New(server.Config{
		Upstreams:      upstreams,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Timeout:        timeout,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           gateway.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr,
			"auth", upstreams.Auth.String(), "catalog", upstreams.Catalog.String(), "social", upstreams.Social.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildLimiter(rdb *redis.Client, perMinute int) (ratelimit.Limiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if rdb == nil {
		slog.Warn("redisAddr not set; rate limits are per gateway instance")
		return ratelimit.NewMemoryLimiter(perMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(rdb, "bookclub:gateway:rl:api", perMinute, time.Minute)
}
