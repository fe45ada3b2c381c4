package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/labstack/echo/v4"
)

type createAppRequest struct {
	Name string `json:"name"`
	// Capabilities optionally restricts the app's first key. Omitted means
	// the key can do everything.
	Capabilities map[string][]string `json:"capabilities,omitempty"`
}

type createAppResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  struct {
		ID string `json:"id"`
		// Secret is only ever returned here, at creation time.
		Secret       string              `json:"secret"`
		Capabilities map[string][]string `json:"capabilities"`
	} `json:"key"`
}

func (s *Server) handleCreateApp(c echo.Context) error {
	var req createAppRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	capabilities, err := domain.ParseCapabilities(req.Capabilities)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid capabilities: %v", err))
	}

	app, key, err := s.deps.Apps.CreateApp(c.Request().Context(), req.Name, capabilities)
	if err != nil {
		s.deps.Logger.Error("failed to create app", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create app")
	}

	resp := createAppResponse{ID: app.ID, Name: app.Name}
	resp.Key.ID = key.ID
	resp.Key.Secret = key.Secret
	resp.Key.Capabilities = key.Capabilities
	return c.JSON(http.StatusCreated, resp)
}
