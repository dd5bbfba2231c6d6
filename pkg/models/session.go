package models

import "time"

// ExecutionSession is the unit of work: one execution attempt of one
// runbook version against one ticket. Steps are referenced by index; a step
// never points back at its session.
type ExecutionSession struct {
	SessionID      string `json:"session_id"`
	TenantID       string `json:"tenant_id"`
	TicketID       string `json:"ticket_id"`
	RunbookID      string `json:"runbook_id"`
	RunbookVersion string `json:"runbook_version"`

	Mode           ValidationMode `json:"validation_mode"`
	SandboxProfile string         `json:"sandbox_profile"`
	BlastRadius    BlastRadius    `json:"blast_radius"`

	Status             SessionStatus `json:"status"`
	PauseReason        string        `json:"pause_reason,omitempty"`
	CurrentStepIndex   int           `json:"current_step_index"`
	WaitingForApproval bool          `json:"waiting_for_approval"`
	ApprovalStepIndex  int           `json:"approval_step_index"`

	// WorkerID is the single assigned worker, empty when unassigned.
	// Reassignment requires the prior worker to be offline or to have NAK'd.
	WorkerID             string `json:"worker_id,omitempty"`
	AssignmentRetryCount int    `json:"assignment_retry_count"`

	// LastEventSeq is the highest event seq issued for this session. Event
	// seq values are contiguous starting at 1.
	LastEventSeq int64 `json:"last_event_seq"`

	// IdempotencyKey is propagated from ticket ingestion; unique per
	// (tenant, key) across sessions.
	IdempotencyKey string `json:"idempotency_key"`

	DryRun bool `json:"dry_run,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionStep is a child of a session, addressed by (session_id,
// step_index). Once succeeded or failed, only the rollback fields may
// change.
type ExecutionStep struct {
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`

	Phase RunbookPhase `json:"phase"`
	Name  string       `json:"name"`

	// Command is the realized command: template with bound inputs. Empty for
	// manual steps.
	Command       string `json:"command"`
	Manual        bool   `json:"manual,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	Status      StepStatus `json:"status"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	ExecutionMS int64      `json:"execution_ms,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	FailReason  string     `json:"fail_reason,omitempty"`

	RollbackCommand   string     `json:"rollback_command,omitempty"`
	RollbackStartedAt *time.Time `json:"rollback_started_at,omitempty"`
	RollbackExecuted  bool       `json:"rollback_executed,omitempty"`
	RollbackResult    string     `json:"rollback_result,omitempty"`

	TimeoutSeconds int  `json:"timeout_seconds"`
	RetryAttempts  int  `json:"retry_attempts"`
	Idempotent     bool `json:"idempotent,omitempty"`
	Destructive    bool `json:"destructive,omitempty"`
	RequiresShell  bool `json:"requires_shell,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunbookPhase groups steps into prechecks, main steps and postchecks.
type RunbookPhase string

// Runbook phases in execution order.
const (
	PhasePrecheck  RunbookPhase = "precheck"
	PhaseMain      RunbookPhase = "main"
	PhasePostcheck RunbookPhase = "postcheck"
)

// StepResult is a worker's proposed outcome for a step. The state machine
// validates the proposing worker is the current assignee and the step is
// running before accepting it.
type StepResult struct {
	Success     bool      `json:"success"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	DurationMS  int64     `json:"duration_ms"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	FailReason  string    `json:"fail_reason,omitempty"`
	OutputMatch *bool     `json:"output_match,omitempty"` // expected-output matcher verdict, if the step has one
}

// AgentWorker is a registered execution node.
type AgentWorker struct {
	WorkerID       string          `json:"worker_id"`
	TenantScope    []string        `json:"tenant_scope"`
	NetworkSegment string          `json:"network_segment"`
	Capabilities   []ConnectorKind `json:"capabilities"`
	CurrentLoad    int             `json:"current_load"`
	MaxLoad        int             `json:"max_load"`
	State          WorkerState     `json:"state"`
	CertSerial     string          `json:"cert_serial,omitempty"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// CanServe reports whether the worker may execute steps for the tenant with
// the given connector kind. A worker with an empty capability set never
// receives assignments.
func (w *AgentWorker) CanServe(tenantID string, kind ConnectorKind) bool {
	if len(w.Capabilities) == 0 {
		return false
	}
	inScope := false
	for _, t := range w.TenantScope {
		if t == tenantID || t == "*" {
			inScope = true
			break
		}
	}
	if !inScope {
		return false
	}
	for _, c := range w.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// ApprovalTask is a transient projection of a session in
// waiting_for_approval. It is a queryable view plus an SLA timer, not a
// persisted aggregate.
type ApprovalTask struct {
	SessionID   string      `json:"session_id"`
	TenantID    string      `json:"tenant_id"`
	StepIndex   int         `json:"step_index"`
	StepName    string      `json:"step_name"`
	Command     string      `json:"command"`
	BlastRadius BlastRadius `json:"blast_radius"`
	RequestedAt time.Time   `json:"requested_at"`
	SLADeadline time.Time   `json:"sla_deadline"`
	TwoPerson   bool        `json:"two_person,omitempty"`
}
