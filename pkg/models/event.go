package models

import (
	"encoding/json"
	"time"
)

// Event kind constants. Every mutation and every output chunk produces an
// ExecutionEvent of one of these kinds.
const (
	EventSessionCreated    = "session.created"
	EventSessionAssigned   = "session.assigned"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalExpired   = "approval.expired"
	EventStepStarted       = "step.started"
	EventStepOutput        = "step.output"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventRollbackStarted   = "rollback.started"
	EventRollbackCompleted = "rollback.completed"
	EventSessionCompleted  = "session.completed"
	EventSessionFailed     = "session.failed"
	EventSessionCancelled  = "session.cancelled"
	EventSessionPaused     = "session.paused"
	EventSessionWarning    = "session.warning"
)

// EventKinds returns every event kind. Used by retention sweeps.
func EventKinds() []string {
	return []string{
		EventSessionCreated,
		EventSessionAssigned,
		EventApprovalRequested,
		EventApprovalResolved,
		EventApprovalExpired,
		EventStepStarted,
		EventStepOutput,
		EventStepCompleted,
		EventStepFailed,
		EventRollbackStarted,
		EventRollbackCompleted,
		EventSessionCompleted,
		EventSessionFailed,
		EventSessionCancelled,
		EventSessionPaused,
		EventSessionWarning,
	}
}

// ExecutionEvent is an append-only record keyed by (session_id, seq). Seq is
// monotonically increasing and contiguous within a session, never reused.
// Replay is by seq > cursor.
type ExecutionEvent struct {
	SessionID string          `json:"session_id"`
	TenantID  string          `json:"tenant_id"`
	Seq       int64           `json:"seq"`
	StepIndex *int            `json:"step_index,omitempty"` // nil for session-level events
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditEntry is one record of the append-only audit log. Each entry carries
// the SHA-256 hash of the prior entry so tampering is detectable.
type AuditEntry struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"created_at"`
}
