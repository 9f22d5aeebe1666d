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
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
	"bookclub/services/auth/internal/app"
	"bookclub/services/auth/internal/config"
	"bookclub/services/auth/internal/security"
	"bookclub/services/auth/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "auth")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("auth server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	refreshTTL, _ := config.ParseDuration("refreshTTL", cfg.RefreshTTL)
	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	avatarTTL, _ := config.ParseDuration("avatarURLTTL", cfg.AvatarURLTTL)
	if sessionTTL == 0 {
		sessionTTL = 15 * time.Minute
	}

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

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
	} else {
		slog.Warn("redisAddr not set; sessions, rate limits and alerts are process-local")
	}

	previous, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		return err
	}
	keys, err := store.LoadSessionKeys(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTKeyID, previous)
	if err != nil {
		return err
	}

	var (
		revoker       store.TokenRevoker
		refreshTokens store.RefreshTokenStore
	)
	if rdb != nil {
		revoker = store.NewRedisTokenRevoker(rdb, refreshTTL+sessionTTL)
		refreshTokens = store.NewRedisRefreshTokenStore(rdb)
	} else {
		revoker = store.NewMemoryTokenRevoker()
		refreshTokens = store.NewMemoryRefreshTokenStore()
	}
	sessions, err := store.NewJWTSessionStore(keys, sessionTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		return err
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
	} else {
		slog.Warn("minioEndpoint not set; avatars are kept in memory")
		objects = storage.NewMemoryStore()
	}

	core, err := app.New(app.Config{
		Store:         db,
		Sessions:      sessions,
		RefreshTokens: refreshTokens,
		Objects:       objects,
		RefreshTTL:    refreshTTL,
		AvatarURLTTL:  avatarTTL,
	})
	if err != nil {
		return err
	}

	limiters, err := buildLimiters(rdb, cfg)
	if err != nil {
		return err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	httpServer := server.New(server.Config{
		App:            core,
		Limiters:       limiters,
		Alerter:        security.NewAuditAlerter(rdb, cfg.AlertPrefix),
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Ready:          db.Ping,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("auth server listening", "addr", addr)
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

// buildLimiters returns Redis limiters when Redis is configured and
// process-local ones otherwise. A zero rate disables that limiter.
func buildLimiters(rdb *redis.Client, cfg config.FileConfig) (server.Limiters, error) {
	build := func(name string, perMinute int) (ratelimit.Limiter, error) {
		if perMinute <= 0 {
			return nil, nil
		}
		if rdb == nil {
			return ratelimit.NewMemoryLimiter(perMinute, time.Minute)
		}
		return ratelimit.NewRedisFixedWindowLimiter(rdb, "bookclub:auth:rl:"+name, perMinute, time.Minute)
	}
	var (
		out server.Limiters
		err error
	)
	if out.Signup, err = build("signup", cfg.SignupRateLimitPerMinute); err != nil {
		return out, err
	}
	if out.LoginIP, err = build("login-ip", cfg.LoginRateLimitPerMinute); err != nil {
		return out, err
	}
	if out.LoginIdent, err = build("login-id", cfg.LoginRateLimitPerMinute); err != nil {
		return out, err
	}
	if out.Refresh, err = build("refresh", cfg.RefreshRateLimitPerMinute); err != nil {
		return out, err
	}
	return out, nil
}
