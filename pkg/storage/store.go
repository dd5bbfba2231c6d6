// Package storage defines the per-tenant scoped storage boundary.
//
// The tenant context is carried with the boundary: callers obtain a
// TenantStore for one tenant and every method on it is row-scoped to that
// tenant by the implementation (row-level security in Postgres, keyed maps
// in memory). Cross-tenant operations (worker registry, queue claims,
// redelivery and retention scans) live on GlobalStore.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when an entity does not exist in the caller's
	// tenant scope.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateNonce is returned when an ingest nonce was already
	// recorded inside the replay window.
	ErrDuplicateNonce = errors.New("duplicate nonce")

	// ErrNoMessages is returned by ClaimNext when no eligible message is
	// pending.
	ErrNoMessages = errors.New("no messages available")

	// ErrStepTerminal is returned when a mutation targets a step already in
	// a terminal status (only rollback fields may change then).
	ErrStepTerminal = errors.New("step is terminal")
)

// DuplicateIdempotencyKeyError is returned by CreateSession when a session
// with the same (tenant, idempotency key) already exists. The caller
// returns the existing session instead of creating a new one.
type DuplicateIdempotencyKeyError struct {
	ExistingSessionID string
}

func (e *DuplicateIdempotencyKeyError) Error() string {
	return fmt.Sprintf("idempotency key already bound to session %s", e.ExistingSessionID)
}

// Store is the root storage boundary.
type Store interface {
	// Tenant returns the row-scoped boundary for one tenant.
	Tenant(tenantID string) TenantStore

	// Global returns the cross-tenant boundary.
	Global() GlobalStore
}

// TenantStore is the per-tenant boundary. Every query an implementation
// issues carries the tenant predicate; a missing tenant context must make
// rows unreadable, enforced by the storage layer itself.
type TenantStore interface {
	// Sessions and steps. CreateSession persists the session and its steps
	// atomically and enforces idempotency-key uniqueness.
	CreateSession(ctx context.Context, s *models.ExecutionSession, steps []models.ExecutionStep) error
	GetSession(ctx context.Context, sessionID string) (*models.ExecutionSession, error)
	GetSessionByIdempotencyKey(ctx context.Context, key string) (*models.ExecutionSession, error)
	UpdateSession(ctx context.Context, s *models.ExecutionSession) error
	ListSessions(ctx context.Context, f SessionFilters) ([]*models.ExecutionSession, int, error)
	CountActiveSessions(ctx context.Context) (int, error)

	GetStep(ctx context.Context, sessionID string, stepIndex int) (*models.ExecutionStep, error)
	ListSteps(ctx context.Context, sessionID string) ([]models.ExecutionStep, error)
	// UpdateStep enforces terminal-status immutability: once a step is
	// succeeded or failed, only the rollback fields may change.
	UpdateStep(ctx context.Context, st *models.ExecutionStep) error

	// Event log. AppendEvent assigns the next contiguous per-session seq
	// (starting at 1) atomically and returns the stored event.
	AppendEvent(ctx context.Context, e *models.ExecutionEvent) (*models.ExecutionEvent, error)
	EventsSince(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]models.ExecutionEvent, error)

	// Tickets.
	CreateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID string, status models.TicketStatus) error

	// Runbook specifications (immutable once approved).
	PutRunbook(ctx context.Context, spec *runbook.Spec) error
	GetRunbook(ctx context.Context, runbookID, version string) (*runbook.Spec, error)
	ListRunbooks(ctx context.Context, states ...runbook.ApprovalState) ([]*runbook.Spec, error)
	SetRunbookState(ctx context.Context, runbookID, version string, state runbook.ApprovalState) error

	// Infrastructure connections.
	PutConnection(ctx context.Context, c *models.InfrastructureConnection) error
	ListConnections(ctx context.Context) ([]models.InfrastructureConnection, error)

	// Audit log. AppendAudit computes the hash chain link from the previous
	// entry.
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// GlobalStore holds cross-tenant operations.
type GlobalStore interface {
	// Worker registry.
	RegisterWorker(ctx context.Context, w *models.AgentWorker) error
	GetWorker(ctx context.Context, workerID string) (*models.AgentWorker, error)
	UpdateWorker(ctx context.Context, w *models.AgentWorker) error
	Heartbeat(ctx context.Context, workerID string, load int, at time.Time) error
	ListWorkers(ctx context.Context) ([]*models.AgentWorker, error)
	// StaleWorkers returns workers whose last heartbeat is older than
	// cutoff and which are not already offline.
	StaleWorkers(ctx context.Context, cutoff time.Time) ([]*models.AgentWorker, error)
	// ActiveSessionsForWorker lists non-terminal sessions assigned to a
	// worker, across tenants. Used by orphan recovery after a worker is
	// declared lost.
	ActiveSessionsForWorker(ctx context.Context, workerID string) ([]SessionRef, error)

	// Command queue. Durable, at-least-once, FIFO within a session_id
	// partition, per-message ack.
	Enqueue(ctx context.Context, msg *CommandMessage) error
	// ClaimNext claims the oldest eligible pending message for the worker.
	// A message is eligible when the worker's capability set covers its
	// connector kind, its tenant is in scope, and no other message of the
	// same session is currently claimed (one-assignee invariant).
	ClaimNext(ctx context.Context, w *models.AgentWorker, now time.Time) (*CommandMessage, error)
	Ack(ctx context.Context, messageID, workerID string) error
	Nak(ctx context.Context, messageID, workerID, reason string) error
	// ExtendClaim refreshes a claimed message's lease. The claimant renews
	// while execution is in flight so RequeueExpired does not hand the
	// message to another worker mid-run.
	ExtendClaim(ctx context.Context, messageID, workerID string, now time.Time) error
	// RequeueExpired returns claimed-but-unacked messages past the ack
	// window to pending for redelivery.
	RequeueExpired(ctx context.Context, ackWindow time.Duration, now time.Time) (int, error)
	// PendingForSession reports queue depth for one session (tests, health).
	PendingForSession(ctx context.Context, sessionID string) (int, error)

	// Ingest nonces for webhook replay prevention.
	RecordNonce(ctx context.Context, nonce string, expiresAt time.Time) error
	PurgeExpiredNonces(ctx context.Context, now time.Time) (int, error)

	// Retention: delete events of a kind older than cutoff across tenants.
	DeleteEventsBefore(ctx context.Context, kind string, cutoff time.Time) (int, error)
}

// SessionRef identifies one session across tenant boundaries.
type SessionRef struct {
	TenantID  string
	SessionID string
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	Status    models.SessionStatus
	TicketID  string
	RunbookID string
	Limit     int
	Offset    int
	SortDesc  bool
}

// CommandMessage is one session.command queue message. Claims are
// (session_id, step_index) scoped and carry the idempotency key so
// duplicate delivery can be detected by the consumer.
type CommandMessage struct {
	MessageID      string               `json:"message_id"`
	TenantID       string               `json:"tenant_id"`
	SessionID      string               `json:"session_id"`
	StepIndex      int                  `json:"step_index"`
	IdempotencyKey string               `json:"idempotency_key"`
	Kind           models.ConnectorKind `json:"kind"`

	// Command is the realized command to run. For rollback dispatches it is
	// the step's rollback command.
	Command        string `json:"command"`
	Rollback       bool   `json:"rollback,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	DryRun         bool   `json:"dry_run,omitempty"`

	// ExpectedOutput is the step's output matcher; the worker evaluates it
	// against captured stdout. Nil means any output is accepted.
	ExpectedOutput *runbook.OutputMatcher `json:"expected_output,omitempty"`

	Target models.InfrastructureConnection `json:"target"`

	Status    MessageStatus `json:"status"`
	ClaimedBy string        `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time    `json:"claimed_at,omitempty"`
	NakReason string        `json:"nak_reason,omitempty"`
	Attempts  int           `json:"attempts"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MessageStatus is the queue message lifecycle.
type MessageStatus string

// Message statuses.
const (
	MessagePending MessageStatus = "pending"
	MessageClaimed MessageStatus = "claimed"
	MessageAcked   MessageStatus = "acked"
	MessageNakked  MessageStatus = "nakked"
)
