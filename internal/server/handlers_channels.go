package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/logging"
	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/labstack/echo/v4"
)

type listChannelsResponse struct {
	Channels []string `json:"channels"`
	// Cursor continues a scan that did not fit one page. Zero means done.
	Cursor uint64 `json:"cursor"`
}

// handleListChannels returns the app's occupied channels. Auth is the same
// pair of credentials the socket accepts: `key=<id>:<secret>` as a query
// parameter or a bearer token.
func (s *Server) handleListChannels(c echo.Context) error {
	auth, httpErr := s.authenticateRequest(c)
	if httpErr != nil {
		return httpErr
	}

	prefix := c.QueryParam("filter_by_prefix")
	if prefix != "" && !domain.ValidChannelName(prefix) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter_by_prefix")
	}

	var cursor uint64
	if raw := c.QueryParam("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
		cursor = parsed
	}

	channels, next, err := s.deps.Counters.ListChannels(c.Request().Context(), auth.AppID, prefix, cursor)
	if err != nil {
		logging.WithApp(auth.AppID).Error("failed to list channels", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list channels")
	}
	if channels == nil {
		channels = []string{}
	}
	// The filter prefix is part of the query, not the answer: names come back
	// relative to it.
	if prefix != "" {
		for i := range channels {
			channels[i] = strings.TrimPrefix(channels[i], prefix)
		}
	}

	return c.JSON(http.StatusOK, listChannelsResponse{Channels: channels, Cursor: next})
}

// authenticateRequest resolves management API credentials: a key query
// parameter or an Authorization bearer token, exactly one of them.
func (s *Server) authenticateRequest(c echo.Context) (*domain.Auth, *echo.HTTPError) {
	key := c.QueryParam("key")

	var token string
	if header := c.Request().Header.Get("Authorization"); header != "" {
		var ok bool
		token, ok = strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "malformed Authorization header")
		}
	}

	auth, closeErr := s.deps.Authenticator.Authenticate(c.Request().Context(), key, token)
	if closeErr != nil {
		if closeErr.Code == protocol.CloseInternalError {
			return nil, echo.NewHTTPError(http.StatusInternalServerError, "authentication unavailable")
		}
		return nil, echo.NewHTTPError(http.StatusUnauthorized, closeErr.Reason())
	}
	return auth, nil
}
