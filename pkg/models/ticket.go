package models

import "time"

// Ticket is the normalized incident shape consumed by the core. Ingestion
// webhook parsing and vendor quirks live outside; by the time a Ticket
// reaches the matcher it has passed severity validation and masking.
type Ticket struct {
	TicketID    string         `json:"ticket_id"`
	TenantID    string         `json:"tenant_id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Environment string         `json:"environment,omitempty"`
	Service     string         `json:"service,omitempty"`
	CIHint      string         `json:"ci_hint,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      TicketStatus   `json:"status"`

	// IdempotencyKey is assigned at ingestion and propagated to the session
	// created for this ticket. One session per (tenant, key).
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InfrastructureConnection binds a named target to a credential reference
// and a connector kind. Sessions derive their connection by matching
// ci_hint / service / environment against registered connections.
type InfrastructureConnection struct {
	Name          string        `json:"name"`
	TenantID      string        `json:"tenant_id"`
	Kind          ConnectorKind `json:"kind"`
	Host          string        `json:"host,omitempty"`
	Port          int           `json:"port,omitempty"`
	ResourceID    string        `json:"resource_id,omitempty"` // cloud resource id (Azure VM, GCP instance)
	CredentialRef string        `json:"credential_ref"`
	Environment   string        `json:"environment,omitempty"`
	Service       string        `json:"service,omitempty"`

	// BastionHost is an optional jump host for SSH connections.
	BastionHost string `json:"bastion_host,omitempty"`
	BastionPort int    `json:"bastion_port,omitempty"`
}

// TicketOutcome is the terminal disposition reported back to the external
// ticketing system.
type TicketOutcome string

// Ticket outcomes.
const (
	// OutcomeResolved: all steps succeeded and postchecks passed.
	OutcomeResolved TicketOutcome = "resolved"
	// OutcomeEscalated: failed with no clean rollback, or low confidence.
	OutcomeEscalated TicketOutcome = "escalated"
	// OutcomeInProgress: rolled back cleanly but the issue likely persists.
	OutcomeInProgress TicketOutcome = "in_progress"
	// OutcomeClosed: false-positive classification before any execution.
	OutcomeClosed TicketOutcome = "closed"
)
