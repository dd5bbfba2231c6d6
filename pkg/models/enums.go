package models

// Severity classifies ticket urgency. Unknown severities are rejected at
// ingest.
type Severity string

// Severity values.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidSeverity reports whether s is a recognized severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// BlastRadius is the qualitative severity of a step's effect. It governs
// approval defaults and retry policy.
type BlastRadius string

// BlastRadius values, ordered from least to most dangerous.
const (
	BlastLow         BlastRadius = "low"
	BlastMedium      BlastRadius = "medium"
	BlastHigh        BlastRadius = "high"
	BlastDestructive BlastRadius = "destructive"
)

// blastRank maps each blast radius to its ordering rank.
var blastRank = map[BlastRadius]int{
	BlastLow:         0,
	BlastMedium:      1,
	BlastHigh:        2,
	BlastDestructive: 3,
}

// AtLeast reports whether b is at least as dangerous as other.
func (b BlastRadius) AtLeast(other BlastRadius) bool {
	return blastRank[b] >= blastRank[other]
}

// ValidBlastRadius reports whether b is a recognized blast radius.
func ValidBlastRadius(b BlastRadius) bool {
	_, ok := blastRank[b]
	return ok
}

// TicketStatus is the normalized ticket lifecycle.
type TicketStatus string

// Ticket status values.
const (
	TicketOpen       TicketStatus = "open"
	TicketAnalyzing  TicketStatus = "analyzing"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketEscalated  TicketStatus = "escalated"
	TicketClosed     TicketStatus = "closed"
)

// ValidationMode controls where human validation is required during a
// session. Destructive runbooks force per_step regardless of the requested
// mode.
type ValidationMode string

// ValidationMode values.
const (
	ValidatePerStep      ValidationMode = "per_step"
	ValidatePerPhase     ValidationMode = "per_phase"
	ValidateCriticalOnly ValidationMode = "critical_only"
	ValidateFinalOnly    ValidationMode = "final_only"
)

// ValidValidationMode reports whether m is a recognized validation mode.
func ValidValidationMode(m ValidationMode) bool {
	switch m {
	case ValidatePerStep, ValidatePerPhase, ValidateCriticalOnly, ValidateFinalOnly:
		return true
	}
	return false
}

// ExecutionMode is the global execution gating mode.
type ExecutionMode string

// Execution modes: hil requires an operator to start every session, auto
// lets high-confidence matches start themselves.
const (
	ModeHIL  ExecutionMode = "hil"
	ModeAuto ExecutionMode = "auto"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

// Session status values.
const (
	SessionQueued             SessionStatus = "queued"
	SessionAssigning          SessionStatus = "assigning"
	SessionWaitingForApproval SessionStatus = "waiting_for_approval"
	SessionExecuting          SessionStatus = "executing"
	SessionPaused             SessionStatus = "paused"
	SessionRollback           SessionStatus = "rollback"
	SessionCompleted          SessionStatus = "completed"
	SessionFailed             SessionStatus = "failed"
	SessionCancelled          SessionStatus = "cancelled"
)

// Terminal reports whether the session status is terminal.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step lifecycle state.
type StepStatus string

// Step status values.
const (
	StepPending          StepStatus = "pending"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepApproved         StepStatus = "approved"
	StepRunning          StepStatus = "running"
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepRolledBack       StepStatus = "rolled_back"
	StepSkipped          StepStatus = "skipped"
)

// Terminal reports whether the step status is terminal. Once terminal, only
// the rollback fields of a step may change.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepRolledBack, StepSkipped:
		return true
	}
	return false
}

// WorkerState is the worker lifecycle state.
type WorkerState string

// Worker state values.
const (
	WorkerIdle      WorkerState = "idle"
	WorkerAssigned  WorkerState = "assigned"
	WorkerExecuting WorkerState = "executing"
	WorkerDraining  WorkerState = "draining"
	WorkerOffline   WorkerState = "offline"
	WorkerErrored   WorkerState = "errored"
)

// ConnectorKind identifies a connector adapter class.
type ConnectorKind string

// Connector kinds.
const (
	ConnectorSSH         ConnectorKind = "ssh"
	ConnectorWinRM       ConnectorKind = "winrm"
	ConnectorAzureRunCmd ConnectorKind = "azure_run_command"
	ConnectorGCPIAP      ConnectorKind = "gcp_iap"
	ConnectorDatabase    ConnectorKind = "database"
	ConnectorREST        ConnectorKind = "rest"
	ConnectorLocal       ConnectorKind = "local"
)

// ValidConnectorKind reports whether k is a recognized connector kind.
func ValidConnectorKind(k ConnectorKind) bool {
	switch k {
	case ConnectorSSH, ConnectorWinRM, ConnectorAzureRunCmd, ConnectorGCPIAP,
		ConnectorDatabase, ConnectorREST, ConnectorLocal:
		return true
	}
	return false
}

// ErrorKind classifies execution failures per the error taxonomy. Connector
// errors are classified at the worker; the state machine decides retry vs.
// fail vs. rollback based on the kind.
type ErrorKind string

// Error kinds.
const (
	ErrKindNone               ErrorKind = ""
	ErrKindValidation         ErrorKind = "validation"
	ErrKindPolicyDenied       ErrorKind = "policy_denied"
	ErrKindApprovalRejected   ErrorKind = "approval_rejected"
	ErrKindApprovalExpired    ErrorKind = "approval_expired"
	ErrKindTargetBusy         ErrorKind = "target_busy"
	ErrKindCredential         ErrorKind = "credential_error"
	ErrKindConnectorTransient ErrorKind = "connector_transient"
	ErrKindConnectorPermanent ErrorKind = "connector_permanent"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindWorkerLost         ErrorKind = "worker_lost"
	ErrKindCancelled          ErrorKind = "cancelled"
	ErrKindInternal           ErrorKind = "internal"
)

// Retryable reports whether the error kind may be retried at all. Whether a
// retry actually happens also depends on the step's blast radius and
// idempotency metadata.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindConnectorTransient
}
