package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// approveStepHandler handles POST /api/v1/executions/:id/approve: an
// operator approving or rejecting the step the session is waiting on.
func (s *Server) approveStepHandler(c *echo.Context) error {
	var req ApproveStepRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}
	if req.Decision != "approve" && req.Decision != "reject" {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approve or reject")
	}

	err := s.manager.ApproveStep(c.Request().Context(), tenantID(c), c.Param("id"),
		req.StepIndex, req.Approver, req.Decision == "approve", req.Notes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: req.Decision + "d"})
}

// pendingApprovalsHandler handles GET /api/v1/approvals: the approval
// tasks of the caller's tenant still waiting on a decision.
func (s *Server) pendingApprovalsHandler(c *echo.Context) error {
	tenant := tenantID(c)
	tasks := make([]models.ApprovalTask, 0)
	for _, t := range s.gate.PendingTasks() {
		if t.TenantID == tenant {
			tasks = append(tasks, t)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": tasks})
}
