package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gmencz/mycelium/internal/broker"
	"github.com/gmencz/mycelium/internal/config"
	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/relay"
	"github.com/gmencz/mycelium/internal/shard"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
)

// postgresHealthChecker is the slice of pgxpool the health endpoint needs.
type postgresHealthChecker interface {
	Ping(ctx context.Context) error
}

// redisHealthChecker is the slice of the Redis client the health endpoint
// needs. Nil in single-node mode.
type redisHealthChecker interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// Deps carries everything the HTTP surface delegates to.
type Deps struct {
	Hub           *broker.Hub
	Group         *shard.Group
	Authenticator broker.Authenticator
	Apps          domain.AppRepository
	Counters      domain.CounterStore
	Relay         domain.Relay
	Clock         clockwork.Clock
	Logger        *slog.Logger

	Postgres postgresHealthChecker
	Redis    redisHealthChecker

	// Registry lists the fleet's live instances. Nil in single-node mode.
	Registry *relay.InstanceRegistry
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	deps      Deps
	limits    *ConnectionLimits
	startTime time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			deps.Logger.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			)
			return nil
		},
	}))

	srv := &Server{
		echo:      e,
		config:    cfg,
		deps:      deps,
		limits:    NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		startTime: deps.Clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	s.deps.Logger.Info("starting server", slog.String("port", s.config.Port))
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

// Shutdown drains the broker, then the HTTP server. Every open session is
// told to reconnect elsewhere, and this instance's subscriber counts are
// flushed from the shared store so other instances' introspection stays
// accurate. ctx bounds the whole thing; cleanup past the deadline is
// abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	counts := s.deps.Hub.Shutdown()
	s.deps.Group.Shutdown()

	for channel, n := range counts {
		if err := s.deps.Counters.DecrBy(ctx, channel, n); err != nil {
			s.deps.Logger.Error("failed to flush subscriber count",
				slog.String("channel", channel), slog.Any("error", err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	return s.echo.Shutdown(ctx)
}
