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

	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/pkg/store"
	"bookclub/services/catalog/internal/app"
	"bookclub/services/catalog/internal/config"
	"bookclub/services/catalog/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "catalog")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("catalog server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var revoker store.TokenRevoker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		revoker = store.NewRedisTokenRevoker(rdb, 0)
	} else {
		slog.Warn("redisAddr not set; revoked tokens stay valid until they expire")
	}

	leeway, _ := cfg.Leeway()
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
		Revoker:  revoker,
	})
	if err != nil {
		return err
	}
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := verifier.Warm(warmCtx); err != nil {
		slog.Warn("jwks warmup failed; keys will be fetched on first request", "err", err)
	}
	cancel()

	core, err := app.New(app.Config{Store: db})
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		App:         core,
		Auth:        usertoken.NewAuthenticator(verifier, db),
		CORSOrigins: cfg.CORSOrigins,
		Ready:       db.Ping,
	})
	if err != nil {
		return err
	}

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
		slog.Info("catalog server listening", "addr", addr)
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
