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
	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/pkg/queue"
	"bookclub/pkg/store"
	"bookclub/services/social/internal/app"
	"bookclub/services/social/internal/config"
	"bookclub/services/social/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "social")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("social server stopped", "err", err)
		os.Exit(1)
	}
}

// worker consumes queued notifications.
type worker interface {
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

func run(ctx context.Context, cfg config.FileConfig) error {
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var (
		rdb     *redis.Client
		revoker store.TokenRevoker
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		revoker = store.NewRedisTokenRevoker(rdb, 0)
	} else {
		slog.Warn("redisAddr not set; revoked tokens stay valid until they expire")
	}

	retryDelay, _ := config.ParseDuration("workerRetryDelay", cfg.WorkerRetryDelay)
	var (
		notifier app.Notifier
		consumer worker
	)
	switch cfg.NotificationMode {
	case config.ModeQueue:
		q, err := queue.NewRedisStreamQueue(rdb, queue.Config{
			Stream:     cfg.NotificationStream,
			Group:      "social-notifications",
			MaxRetries: cfg.WorkerMaxRetries,
			RetryDelay: retryDelay,
		})
		if err != nil {
			return err
		}
		notifier, consumer = app.NewQueueNotifier(q), q
	case config.ModeAMQP:
		q, err := queue.DialAMQP(queue.AMQPConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.NotificationStream,
			MaxRetries: cfg.WorkerMaxRetries,
			RetryDelay: retryDelay,
		})
		if err != nil {
			return err
		}
		defer q.Close()
		notifier, consumer = app.NewQueueNotifier(q), q
	default:
		notifier = app.NewDirectNotifier(db)
	}

	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
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

	core, err := app.New(app.Config{Store: db, Notifier: notifier})
	if err != nil {
		return err
	}
	limiter, err := buildWriteLimiter(rdb, cfg.WriteRateLimitPerMinute)
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		App:          core,
		Auth:         usertoken.NewAuthenticator(verifier, db),
		WriteLimiter: limiter,
		CORSOrigins:  cfg.CORSOrigins,
		Ready:        db.Ping,
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
		slog.Info("social server listening", "addr", addr, "notification_mode", cfg.NotificationMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			slog.Info("notification worker started", "concurrency", cfg.WorkerConcurrency)
			return consumer.Run(gctx, cfg.WorkerConcurrency, app.DeliverNotifications(db, cfg.NotificationMode))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildWriteLimiter shares the write budget across replicas when Redis is
// configured. A zero rate disables it.
func buildWriteLimiter(rdb *redis.Client, perMinute int) (ratelimit.Limiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if rdb == nil {
		return ratelimit.NewMemoryLimiter(perMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(rdb, "bookclub:social:rl:write", perMinute, time.Minute)
}
