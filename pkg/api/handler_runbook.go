package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/runbook"
)

// maxRunbookBody caps runbook YAML uploads.
const maxRunbookBody = 1024 * 1024

// putRunbookHandler handles POST /api/v1/runbooks: registering a runbook
// version from its YAML document. New versions start in draft.
func (s *Server) putRunbookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRunbookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body failed")
	}

	spec, err := runbook.Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	spec.State = runbook.StateDraft

	if err := s.store.Tenant(tenantID(c)).PutRunbook(c.Request().Context(), spec); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, spec)
}

// listRunbooksHandler handles GET /api/v1/runbooks. An optional state
// query param filters by approval state.
func (s *Server) listRunbooksHandler(c *echo.Context) error {
	var states []runbook.ApprovalState
	if raw := c.QueryParam("state"); raw != "" {
		state := runbook.ApprovalState(raw)
		if state != runbook.StateDraft && state != runbook.StateApproved && state != runbook.StateArchived {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown runbook state")
		}
		states = append(states, state)
	}

	specs, err := s.store.Tenant(tenantID(c)).ListRunbooks(c.Request().Context(), states...)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runbooks": specs})
}

// setRunbookStateHandler handles POST /api/v1/runbooks/:id/versions/:version/state.
// The storage layer enforces the legal transitions; approved specs only
// move forward to archived.
func (s *Server) setRunbookStateHandler(c *echo.Context) error {
	var req SetRunbookStateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	state := runbook.ApprovalState(req.State)
	if state != runbook.StateDraft && state != runbook.StateApproved && state != runbook.StateArchived {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown runbook state")
	}

	err := s.store.Tenant(tenantID(c)).SetRunbookState(c.Request().Context(),
		c.Param("id"), c.Param("version"), state)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: string(state)})
}
