package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/remedy/pkg/ticketing"
)

// maxWebhookBody caps ticket webhook payloads.
const maxWebhookBody = 256 * 1024

// ingestTicketHandler handles POST /api/v1/tickets: authenticated webhook
// ingest of a normalized ticket. A replayed delivery returns 409 with the
// session the first delivery created.
func (s *Server) ingestTicketHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body failed")
	}

	sig := c.Request().Header.Get(ticketing.HeaderSignature)
	ts := c.Request().Header.Get(ticketing.HeaderTimestamp)
	nonce := c.Request().Header.Get(ticketing.HeaderNonce)

	var payload ticketing.TicketPayload
	if err := unmarshalBody(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	tenant := tenantID(c)
	if err := s.ingestor.Authenticate(c.Request().Context(), body, sig, ts, nonce); err != nil {
		if errors.Is(err, ticketing.ErrReplayedNonce) {
			if existing, ok := s.ingestor.FindExisting(c.Request().Context(), tenant, &payload, nonce); ok {
				return c.JSON(http.StatusConflict, existing)
			}
			return echo.NewHTTPError(http.StatusConflict, "duplicate delivery")
		}
		return mapServiceError(err)
	}

	result, err := s.ingestor.Ingest(c.Request().Context(), tenant, &payload, nonce)
	if err != nil {
		return mapServiceError(err)
	}
	if result.Duplicate {
		return c.JSON(http.StatusConflict, result)
	}
	return c.JSON(http.StatusAccepted, result)
}

func unmarshalBody(body []byte, v any) error {
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, v)
}
