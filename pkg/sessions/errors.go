package sessions

import "errors"

// Validation and protocol sentinels. Validation errors surface to the
// caller and are never written to session state.
var (
	// ErrRunbookNotApproved is returned when the referenced runbook version
	// is not in the approved state.
	ErrRunbookNotApproved = errors.New("runbook is not approved")

	// ErrTenantLimit is returned when the tenant is at its concurrent
	// session cap.
	ErrTenantLimit = errors.New("tenant concurrent session limit reached")

	// ErrNoConnection is returned when no registered infrastructure
	// connection matches the ticket.
	ErrNoConnection = errors.New("no infrastructure connection matches ticket")

	// ErrSessionTerminal is returned for operations on a session already in
	// a terminal state.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrNotAwaitingApproval is returned when an approval decision targets a
	// step that is not awaiting approval.
	ErrNotAwaitingApproval = errors.New("step is not awaiting approval")

	// ErrApprovalExpired is returned when a decision arrives after the
	// approval SLA elapsed.
	ErrApprovalExpired = errors.New("approval has expired")

	// ErrNotManualStep is returned when a manual acknowledgment targets a
	// command step.
	ErrNotManualStep = errors.New("step is not a manual step")
)

// ProtocolError reports a worker violating the step-result protocol, for
// example proposing a result for a step it is not assigned to. The session
// is paused when one occurs.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
