package server

import (
	"net/http"

	"github.com/gmencz/mycelium/internal/broker"
	"github.com/gmencz/mycelium/internal/metrics"
	"github.com/gmencz/mycelium/internal/shard"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from arbitrary origins; authentication is the
	// key or token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleRealtime(c echo.Context) error {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return c.String(http.StatusTooManyRequests, "too many connections")
	}
	defer s.limits.Release(ip)

	key := c.QueryParam("key")
	token := c.QueryParam("token")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return nil
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsCurrent.Inc()
	defer metrics.ConnectionsCurrent.Dec()

	session := broker.NewSession(conn, key, token, broker.SessionDeps{
		Hub:           s.deps.Hub,
		Authenticator: s.deps.Authenticator,
		Counters:      s.deps.Counters,
		Relay:         s.deps.Relay,
		Clock:         s.deps.Clock,
		Logger:        s.deps.Logger,
		Config: broker.SessionConfig{
			AuthTimeout:    s.config.AuthTimeout,
			SessionTimeout: s.config.SessionTimeout,
		},
	})
	session.Run(c.Request().Context())
	return nil
}

func (s *Server) handleShardRealtime(c echo.Context) error {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return c.String(http.StatusTooManyRequests, "too many connections")
	}
	defer s.limits.Release(ip)

	shardKey := c.Param("key")
	key := c.QueryParam("key")
	token := c.QueryParam("token")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return nil
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsCurrent.Inc()
	defer metrics.ConnectionsCurrent.Dec()

	session := shard.NewSession(conn, shardKey, key, token, shard.SessionDeps{
		Group:         s.deps.Group,
		Authenticator: s.deps.Authenticator,
		Clock:         s.deps.Clock,
		Logger:        s.deps.Logger,
		AuthTimeout:   s.config.AuthTimeout,
		IdleTimeout:   s.config.SessionTimeout,
	})
	session.Run(c.Request().Context())
	return nil
}
