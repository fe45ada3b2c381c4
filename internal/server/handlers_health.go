package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gmencz/mycelium/internal/version"
	"github.com/labstack/echo/v4"
)

const healthCheckTimeout = 5 * time.Second

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  s.deps.Clock.Since(s.startTime).Seconds(),
		"version": version.Get(),
	})
}

// handleHealth checks every dependency and reports all failures at once, not
// just the first. Requires the same credentials as the channels endpoint.
func (s *Server) handleHealth(c echo.Context) error {
	if _, httpErr := s.authenticateRequest(c); httpErr != nil {
		return httpErr
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	errors := []string{}
	if s.deps.Postgres != nil {
		if err := s.deps.Postgres.Ping(ctx); err != nil {
			errors = append(errors, "database: "+err.Error())
		}
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			errors = append(errors, "redis: "+err.Error())
		}
	}

	body := map[string]any{"errors": errors}
	if s.deps.Registry != nil {
		instances, err := s.deps.Registry.ActiveInstances(ctx)
		if err != nil {
			errors = append(errors, "registry: "+err.Error())
			body["errors"] = errors
		} else {
			body["instances"] = instances
		}
	}

	status := http.StatusOK
	if len(errors) > 0 {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, body)
}
