// Package ticketing bridges external ticketing systems: authenticated
// webhook ingest of normalized tickets on the way in, idempotent status
// callbacks on the way out.
package ticketing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/matcher"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Webhook authentication headers.
const (
	HeaderSignature = "X-Remedy-Signature"
	HeaderTimestamp = "X-Remedy-Timestamp"
	HeaderNonce     = "X-Remedy-Nonce"
)

// Ingest failure modes the API layer maps to status codes.
var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrStaleTimestamp = errors.New("webhook timestamp outside the replay window")
	ErrReplayedNonce  = errors.New("webhook nonce already seen")
)

// TicketPayload is the normalized ticket body delivered by external
// collaborators. Unknown severities are rejected.
type TicketPayload struct {
	Source      string            `json:"source" validate:"required"`
	ExternalID  string            `json:"id,omitempty"`
	Title       string            `json:"title" validate:"required"`
	Description string            `json:"description" validate:"required"`
	Severity    string            `json:"severity" validate:"required,oneof=critical high medium low"`
	Environment string            `json:"environment,omitempty"`
	Service     string            `json:"service,omitempty"`
	CIHint      string            `json:"ci_hint,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IngestResult is what a successful (or deduplicated) ingest returns.
type IngestResult struct {
	TicketID   string              `json:"ticket_id"`
	Duplicate  bool                `json:"duplicate,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Candidates []matcher.Candidate `json:"candidates,omitempty"`
}

// Ingestor verifies, persists, and matches incoming tickets. In auto mode
// a high-confidence match starts a session immediately; in hil mode the
// candidates wait for an operator.
type Ingestor struct {
	cfg      config.TicketingConfig
	mode     models.ExecutionMode
	store    storage.Store
	matcher  *matcher.Matcher
	manager  *sessions.Manager
	masker   *masking.Service
	validate *validator.Validate
	secret   []byte

	autoThreshold float64
}

// NewIngestor loads the webhook secret and wires the ingest path.
func NewIngestor(cfg config.TicketingConfig, mode models.ExecutionMode, autoThreshold float64,
	store storage.Store, m *matcher.Matcher, mgr *sessions.Manager, masker *masking.Service) (*Ingestor, error) {

	secret, err := os.ReadFile(cfg.WebhookSecretPath)
	if err != nil {
		return nil, fmt.Errorf("reading webhook secret: %w", err)
	}
	return &Ingestor{
		cfg:           cfg,
		mode:          mode,
		store:         store,
		matcher:       m,
		manager:       mgr,
		masker:        masker,
		validate:      validator.New(),
		secret:        []byte(strings.TrimSpace(string(secret))),
		autoThreshold: autoThreshold,
	}, nil
}

// Authenticate verifies the webhook HMAC, the timestamp freshness, and
// the nonce. The signature covers "{timestamp}.{nonce}.{body}". A
// replayed nonce within the retention window fails with ErrReplayedNonce.
func (i *Ingestor) Authenticate(ctx context.Context, body []byte, signature, timestamp, nonce string) error {
	if signature == "" || timestamp == "" || nonce == "" {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	age := time.Since(time.Unix(ts, 0))
	if age > i.cfg.ReplayWindow || age < -i.cfg.ReplayWindow {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256="))) {
		return ErrBadSignature
	}

	err = i.store.Global().RecordNonce(ctx, nonce, time.Now().Add(i.cfg.NonceRetention))
	if errors.Is(err, storage.ErrDuplicateNonce) {
		return ErrReplayedNonce
	}
	return err
}

// Ingest validates and persists the ticket, runs the matcher, and in auto
// mode starts a session for an auto-eligible top candidate. The nonce
// feeds the idempotency key so an exact redelivery lands on the same
// session.
func (i *Ingestor) Ingest(ctx context.Context, tenantID string, payload *TicketPayload, nonce string) (*IngestResult, error) {
	if err := i.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid ticket payload: %w", err)
	}

	idemKey := ingestKey(payload.Source, payload.ExternalID, nonce)
	tenant := i.store.Tenant(tenantID)

	// An exact redelivery that slipped past the nonce check (retention
	// expiry) still resolves to the prior session.
	if existing, err := tenant.GetSessionByIdempotencyKey(ctx, idemKey); err == nil {
		return &IngestResult{TicketID: existing.TicketID, SessionID: existing.SessionID, Duplicate: true}, nil
	}

	ticket := &models.Ticket{
		TicketID:       uuid.NewString(),
		TenantID:       tenantID,
		Source:         payload.Source,
		ExternalID:     payload.ExternalID,
		Title:          i.masker.Mask(payload.Title),
		Description:    i.masker.Mask(payload.Description),
		Severity:       models.Severity(payload.Severity),
		Environment:    payload.Environment,
		Service:        payload.Service,
		CIHint:         payload.CIHint,
		Metadata:       maskMetadata(i.masker, payload.Metadata),
		Status:         models.TicketOpen,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := tenant.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("persisting ticket: %w", err)
	}

	candidates, err := i.matcher.Match(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("matching runbooks: %w", err)
	}
	result := &IngestResult{TicketID: ticket.TicketID, Candidates: candidates}

	if i.mode != models.ModeAuto || len(candidates) == 0 {
		return result, nil
	}
	top := candidates[0]
	if !top.AutoEligible || top.Confidence < i.autoThreshold {
		return result, nil
	}

	session, err := i.manager.CreateSession(ctx, sessions.CreateRequest{
		TenantID:       tenantID,
		TicketID:       ticket.TicketID,
		RunbookID:      top.RunbookID,
		RunbookVersion: top.Version,
		Inputs:         payload.Metadata,
		MatchScore:     top.Confidence,
		Actor:          "auto-matcher",
	})
	if err != nil {
		// Matching succeeded; session admission failing (tenant at limit,
		// runbook archived meanwhile) degrades to hil handling.
		slog.Warn("Auto-execution declined, leaving ticket for operator",
			"ticket_id", ticket.TicketID, "runbook_id", top.RunbookID, "error", err)
		return result, nil
	}
	result.SessionID = session.SessionID
	return result, nil
}

// FindExisting resolves a replayed webhook to the session its first
// delivery created, so a duplicate response can reference it.
func (i *Ingestor) FindExisting(ctx context.Context, tenantID string, payload *TicketPayload, nonce string) (*IngestResult, bool) {
	key := ingestKey(payload.Source, payload.ExternalID, nonce)
	s, err := i.store.Tenant(tenantID).GetSessionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false
	}
	return &IngestResult{TicketID: s.TicketID, SessionID: s.SessionID, Duplicate: true}, true
}

func ingestKey(source, externalID, nonce string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + externalID + "\x00" + nonce))
	return hex.EncodeToString(sum[:16])
}

func maskMetadata(m *masking.Service, in map[string]string) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = m.Mask(v)
	}
	return out
}
