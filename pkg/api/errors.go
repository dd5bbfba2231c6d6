package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/ticketing"
)

// mapServiceError maps domain errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *runbook.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var protoErr *sessions.ProtocolError
	if errors.As(err, &protoErr) {
		return echo.NewHTTPError(http.StatusConflict, protoErr.Reason)
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return echo.NewHTTPError(http.StatusBadRequest, fieldErrs.Error())
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, sessions.ErrRunbookNotApproved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, sessions.ErrTenantLimit):
		return echo.NewHTTPError(http.StatusTooManyRequests, "tenant session limit reached")
	case errors.Is(err, sessions.ErrNoConnection):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, sessions.ErrSessionTerminal):
		return echo.NewHTTPError(http.StatusConflict, "session already terminal")
	case errors.Is(err, sessions.ErrNotAwaitingApproval):
		return echo.NewHTTPError(http.StatusConflict, "step is not awaiting approval")
	case errors.Is(err, sessions.ErrApprovalExpired):
		return echo.NewHTTPError(http.StatusConflict, "approval window expired")
	case errors.Is(err, sessions.ErrNotManualStep):
		return echo.NewHTTPError(http.StatusConflict, "step is not a manual step")
	case errors.Is(err, ticketing.ErrBadSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	case errors.Is(err, ticketing.ErrStaleTimestamp):
		return echo.NewHTTPError(http.StatusUnauthorized, "timestamp outside replay window")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
