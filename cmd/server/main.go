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

	"github.com/gmencz/mycelium/internal/auth"
	"github.com/gmencz/mycelium/internal/broker"
	"github.com/gmencz/mycelium/internal/config"
	"github.com/gmencz/mycelium/internal/database"
	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/logging"
	"github.com/gmencz/mycelium/internal/redis"
	"github.com/gmencz/mycelium/internal/relay"
	"github.com/gmencz/mycelium/internal/server"
	"github.com/gmencz/mycelium/internal/shard"
	"github.com/gmencz/mycelium/internal/version"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	_ "github.com/joho/godotenv/autoload"
	goredis "github.com/redis/go-redis/v9"
)

const instanceHeartbeat = 15 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, grace time.Duration, cancelBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelBackground()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Broker starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	pool := setupDB(cfg)
	defer pool.Close()

	hub := broker.NewHub(slog.Default())
	group := shard.NewGroup(cfg.ShardReplicaCapacity, slog.Default())

	appRepo := database.NewAppRepo(pool)
	authenticator := auth.NewAuthenticator(appRepo, slog.Default())

	// backgroundCtx owns the relay listener and instance heartbeat; cancelled
	// after the server has drained.
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Clustered mode uses Redis for counters and the backplane. Without a
	// Redis URL the broker runs single-node: in-memory counters and a
	// loopback relay, same delivery semantics.
	var (
		counters    domain.CounterStore
		bus         domain.Relay
		redisClient *goredis.Client
		registry    *relay.InstanceRegistry
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()

		counters = redis.NewCounterStore(redisClient)
		redisRelay := relay.NewRedisRelay(redisClient, slog.Default())
		go redisRelay.Listen(backgroundCtx, hub.Deliver)
		bus = redisRelay

		registry = relay.NewInstanceRegistry(redisClient, clock, uuid.NewString(), instanceHeartbeat, version.Get().Version)
		go registry.Start(backgroundCtx)
	} else {
		slog.Info("No REDIS_URL configured, running in single-node mode")
		counters = broker.NewMemoryCounterStore()
		loopback := relay.NewLoopbackRelay()
		go loopback.Listen(backgroundCtx, hub.Deliver)
		bus = loopback
	}

	deps := server.Deps{
		Hub:           hub,
		Group:         group,
		Authenticator: authenticator,
		Apps:          appRepo,
		Counters:      counters,
		Relay:         bus,
		Clock:         clock,
		Logger:        slog.Default(),
		Postgres:      pool,
	}
	if redisClient != nil {
		deps.Redis = redisClient
		deps.Registry = registry
	}

	srv := server.NewServer(cfg, deps)
	done := runGracefulShutdown(srv, cfg.ShutdownGrace, cancelBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
