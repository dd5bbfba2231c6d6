package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/events"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to
// ConnectionManager; clients subscribe to session channels explicitly.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := s.acceptWebSocket(c)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}

// executionStreamHandler serves the live event stream for one execution.
// The Last-Event-Seq request header resumes delivery after an already-seen
// seq cursor; absent, the full history replays.
func (s *Server) executionStreamHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	var sinceSeq int64
	if raw := c.Request().Header.Get("Last-Event-Seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Last-Event-Seq must be a non-negative integer")
		}
		sinceSeq = v
	}

	// Unknown sessions fail before the handshake.
	tenant := tenantID(c)
	sessionID := c.Param("id")
	if _, err := s.store.Tenant(tenant).GetSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	conn, err := s.acceptWebSocket(c)
	if err != nil {
		return err
	}

	s.connManager.HandleSessionStream(c.Request().Context(), conn,
		events.SessionChannel(tenant, sessionID), sinceSeq)
	return nil
}

func (s *Server) acceptWebSocket(c *echo.Context) (*websocket.Conn, error) {
	return websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Events.AllowedOrigins,
	})
}

// isWebSocketUpgrade reports whether the request asks for a WebSocket
// handshake.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
