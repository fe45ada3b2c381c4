package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Realtime sockets
	s.echo.GET("/realtime", s.handleRealtime)
	s.echo.GET("/realtime/shard/:key", s.handleShardRealtime)

	// Management API
	s.echo.POST("/api/v1/apps", s.handleCreateApp)
	s.echo.GET("/api/v1/channels", s.handleListChannels)
	s.echo.GET("/api/v1/health", s.handleHealth)
}
