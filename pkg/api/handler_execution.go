package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// createExecutionHandler handles POST /api/v1/executions: an operator
// starting a session for an already-ingested ticket.
func (s *Server) createExecutionHandler(c *echo.Context) error {
	var req CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TicketID == "" || req.RunbookID == "" || req.RunbookVersion == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ticket_id, runbook_id and runbook_version are required")
	}

	mode := models.ValidationMode(req.ValidationMode)
	if mode == "" {
		mode = models.ValidateCriticalOnly
	}
	if !models.ValidValidationMode(mode) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown validation_mode")
	}

	session, err := s.manager.CreateSession(c.Request().Context(), sessions.CreateRequest{
		TenantID:       tenantID(c),
		TicketID:       req.TicketID,
		RunbookID:      req.RunbookID,
		RunbookVersion: req.RunbookVersion,
		Mode:           mode,
		Inputs:         req.Inputs,
		DryRun:         req.DryRun,
		Actor:          req.Actor,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, ExecutionResponse{Session: session})
}

// listExecutionsHandler handles GET /api/v1/executions with status,
// ticket_id, runbook_id, limit and offset query filters.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	filters := storage.SessionFilters{
		TicketID:  c.QueryParam("ticket_id"),
		RunbookID: c.QueryParam("runbook_id"),
		SortDesc:  true,
	}
	if status := c.QueryParam("status"); status != "" {
		filters.Status = models.SessionStatus(status)
	}
	filters.Limit = intQueryParam(c, "limit", 50)
	filters.Offset = intQueryParam(c, "offset", 0)

	list, total, err := s.store.Tenant(tenantID(c)).ListSessions(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ExecutionListResponse{Sessions: list, Total: total})
}

// getExecutionHandler handles GET /api/v1/executions/:id. A WebSocket
// upgrade on the same path serves the live event stream instead, resuming
// after the Last-Event-Seq header's cursor.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	if isWebSocketUpgrade(c.Request()) {
		return s.executionStreamHandler(c)
	}

	tenant := s.store.Tenant(tenantID(c))
	ctx := c.Request().Context()

	session, err := tenant.GetSession(ctx, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	steps, err := tenant.ListSteps(ctx, session.SessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ExecutionResponse{Session: session, Steps: steps})
}

// executionEventsHandler handles GET /api/v1/executions/:id/events. The
// since query param is an event seq cursor; events with seq greater than
// it are returned in order. This is the catchup half of the event stream;
// live delivery happens over /ws.
func (s *Server) executionEventsHandler(c *echo.Context) error {
	sinceSeq := int64(0)
	if raw := c.QueryParam("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
		sinceSeq = v
	}
	limit := intQueryParam(c, "limit", 500)

	evts, err := s.store.Tenant(tenantID(c)).EventsSince(c.Request().Context(), c.Param("id"), sinceSeq, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, EventsResponse{Events: evts})
}

// cancelExecutionHandler handles POST /api/v1/executions/:id/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	var req CancelExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.manager.Cancel(c.Request().Context(), tenantID(c), c.Param("id"), req.Reason, req.Actor); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "cancelling"})
}

// resumeExecutionHandler handles POST /api/v1/executions/:id/resume. Only
// paused sessions resume, and only by explicit operator action.
func (s *Server) resumeExecutionHandler(c *echo.Context) error {
	var req ResumeExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.manager.Resume(c.Request().Context(), tenantID(c), c.Param("id"), req.Actor); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "resumed"})
}

// ackManualStepHandler handles POST /api/v1/executions/:id/steps/:index/ack.
func (s *Server) ackManualStepHandler(c *echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "step index must be a non-negative integer")
	}
	var req AckManualStepRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}
	if err := s.manager.AcknowledgeManualStep(c.Request().Context(), tenantID(c), c.Param("id"), index, req.Actor); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "acknowledged"})
}

func intQueryParam(c *echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
