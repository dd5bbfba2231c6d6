// Package api exposes the REST and WebSocket surface: ticket ingest,
// execution session control, approvals, runbook registration, and the
// live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/codeready-toolchain/remedy/pkg/approval"
	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/database"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/ticketing"
)

// Server is the HTTP server.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	store       storage.Store
	manager     *sessions.Manager
	ingestor    *ticketing.Ingestor
	gate        *approval.Gate
	connManager *events.ConnectionManager

	echo *echo.Echo
	srv  *http.Server
}

// NewServer wires the HTTP surface. db may be nil when running on the
// in-memory store; health then reports storage mode instead of pool
// stats.
func NewServer(cfg *config.Config, db *database.Client, store storage.Store, manager *sessions.Manager,
	ingestor *ticketing.Ingestor, gate *approval.Gate, connManager *events.ConnectionManager) *Server {

	s := &Server{
		cfg:         cfg,
		db:          db,
		store:       store,
		manager:     manager,
		ingestor:    ingestor,
		gate:        gate,
		connManager: connManager,
	}
	s.echo = s.buildEcho()
	return s
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1", tenantContext())
	v1.POST("/tickets", s.ingestTicketHandler)

	v1.POST("/executions", s.createExecutionHandler)
	v1.GET("/executions", s.listExecutionsHandler)
	v1.GET("/executions/:id", s.getExecutionHandler)
	v1.GET("/executions/:id/events", s.executionEventsHandler)
	v1.POST("/executions/:id/approve", s.approveStepHandler)
	v1.POST("/executions/:id/cancel", s.cancelExecutionHandler)
	v1.POST("/executions/:id/resume", s.resumeExecutionHandler)
	v1.POST("/executions/:id/steps/:index/ack", s.ackManualStepHandler)

	v1.GET("/approvals", s.pendingApprovalsHandler)

	v1.POST("/runbooks", s.putRunbookHandler)
	v1.GET("/runbooks", s.listRunbooksHandler)
	v1.POST("/runbooks/:id/versions/:version/state", s.setRunbookStateHandler)

	v1.GET("/workers", s.listWorkersHandler)

	return e
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	slog.Info("HTTP server listening", "addr", addr)
	s.srv = &http.Server{Addr: addr, Handler: s.echo}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = res.Status
			}
			slog.Info("Request handled",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}
