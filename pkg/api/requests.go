package api

// CreateExecutionRequest is the body of POST /api/v1/executions.
type CreateExecutionRequest struct {
	TicketID       string            `json:"ticket_id"`
	RunbookID      string            `json:"runbook_id"`
	RunbookVersion string            `json:"runbook_version"`
	ValidationMode string            `json:"validation_mode,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	DryRun         bool              `json:"dry_run,omitempty"`
	Actor          string            `json:"actor"`
}

// ApproveStepRequest is the body of POST /api/v1/executions/:id/approve.
type ApproveStepRequest struct {
	StepIndex int    `json:"step_index"`
	Approver  string `json:"approver"`
	Decision  string `json:"decision"` // "approve" | "reject"
	Notes     string `json:"notes,omitempty"`
}

// CancelExecutionRequest is the body of POST /api/v1/executions/:id/cancel.
type CancelExecutionRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ResumeExecutionRequest is the body of POST /api/v1/executions/:id/resume.
type ResumeExecutionRequest struct {
	Actor string `json:"actor"`
}

// AckManualStepRequest is the body of the manual step acknowledgment.
type AckManualStepRequest struct {
	Actor string `json:"actor"`
}

// SetRunbookStateRequest moves a runbook version between approval states.
type SetRunbookStateRequest struct {
	State string `json:"state"` // "draft" | "approved" | "archived"
}
