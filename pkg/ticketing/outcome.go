package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Reporter translates terminal session outcomes into status calls on the
// external ticketing system. Calls are idempotent on the session's
// idempotency key, so duplicate emission after a crash or retry is safe.
// A circuit breaker keeps a down ticketing API from stalling session
// finalization.
type Reporter struct {
	cfg     config.TicketingConfig
	store   storage.Store
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewReporter wires the outcome adapter.
func NewReporter(cfg config.TicketingConfig, store storage.Store) *Reporter {
	return &Reporter{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.OutcomeTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ticket-outcome",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// OnSessionTerminal is the state machine's terminal hook.
func (r *Reporter) OnSessionTerminal(ctx context.Context, tenantID string, s *models.ExecutionSession, steps []models.ExecutionStep) {
	outcome := ClassifyOutcome(s, steps)

	if err := r.report(ctx, tenantID, s, outcome); err != nil {
		slog.Error("Reporting ticket outcome failed",
			"ticket_id", s.TicketID, "session_id", s.SessionID, "outcome", outcome, "error", err)
		return
	}

	status := ticketStatusFor(outcome)
	if err := r.store.Tenant(tenantID).UpdateTicketStatus(ctx, s.TicketID, status); err != nil {
		slog.Error("Updating local ticket status failed", "ticket_id", s.TicketID, "error", err)
	}
	slog.Info("Ticket outcome reported",
		"ticket_id", s.TicketID, "session_id", s.SessionID, "outcome", outcome)
}

// ClassifyOutcome maps a terminal session to its ticket disposition:
// resolved on full success, closed when cancelled before anything ran,
// in_progress when the session unwound with a clean rollback, escalated
// otherwise.
func ClassifyOutcome(s *models.ExecutionSession, steps []models.ExecutionStep) models.TicketOutcome {
	if s.Status == models.SessionCompleted {
		return models.OutcomeResolved
	}

	anyExecuted := false
	for _, st := range steps {
		if st.StartedAt != nil && !st.Manual {
			anyExecuted = true
			break
		}
	}
	if s.Status == models.SessionCancelled && !anyExecuted {
		return models.OutcomeClosed
	}

	if cleanRollback(steps) {
		return models.OutcomeInProgress
	}
	return models.OutcomeEscalated
}

// cleanRollback reports whether the session unwound cleanly: at least one
// step rolled back, and no rollback attempt failed or was left hanging.
func cleanRollback(steps []models.ExecutionStep) bool {
	sawRollback := false
	for _, st := range steps {
		if st.RollbackCommand == "" {
			continue
		}
		switch {
		case st.Status == models.StepRolledBack:
			sawRollback = true
		case st.RollbackExecuted && st.RollbackResult != "ok":
			return false
		case st.Status == models.StepSucceeded && st.RollbackStartedAt != nil && !st.RollbackExecuted:
			// Dispatched but never confirmed.
			return false
		}
	}
	return sawRollback
}

type outcomePayload struct {
	SessionID      string               `json:"session_id"`
	TicketID       string               `json:"ticket_id"`
	Outcome        models.TicketOutcome `json:"outcome"`
	IdempotencyKey string               `json:"idempotency_key"`
	ReportedAt     time.Time            `json:"reported_at"`
}

func (r *Reporter) report(ctx context.Context, tenantID string, s *models.ExecutionSession, outcome models.TicketOutcome) error {
	if r.cfg.OutcomeEndpoint == "" {
		return nil
	}

	body, err := json.Marshal(outcomePayload{
		SessionID:      s.SessionID,
		TicketID:       s.TicketID,
		Outcome:        outcome,
		IdempotencyKey: s.IdempotencyKey,
		ReportedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	_, err = r.breaker.Execute(func() (any, error) {
		u := fmt.Sprintf("%s/tickets/%s/status", r.cfg.OutcomeEndpoint, s.TicketID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", s.IdempotencyKey)
		req.Header.Set("X-Tenant-Id", tenantID)

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return nil, fmt.Errorf("ticketing api returned %d: %s", resp.StatusCode, string(snippet))
		}
		return nil, nil
	})
	return err
}

func ticketStatusFor(outcome models.TicketOutcome) models.TicketStatus {
	switch outcome {
	case models.OutcomeResolved:
		return models.TicketResolved
	case models.OutcomeEscalated:
		return models.TicketEscalated
	case models.OutcomeClosed:
		return models.TicketClosed
	default:
		return models.TicketInProgress
	}
}
