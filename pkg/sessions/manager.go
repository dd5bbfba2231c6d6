// Package sessions owns the execution session state machine. The manager
// is the sole writer of session and step status; all mutations for one
// session id are serialized. Workers append events and propose step
// transitions, which the manager validates before applying.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// ApprovalScheduler schedules and cancels approval SLA timers. Implemented
// by the approval gate.
type ApprovalScheduler interface {
	Schedule(task models.ApprovalTask)
	CancelTimer(sessionID string, stepIndex int)
}

// CancelBroadcaster delivers cooperative cancel signals to the worker
// executing a step.
type CancelBroadcaster interface {
	RequestCancel(sessionID string, stepIndex int)
}

// TerminalFunc is invoked after a session reaches a terminal state. The
// ticket outcome adapter hooks in here.
type TerminalFunc func(ctx context.Context, tenantID string, s *models.ExecutionSession, steps []models.ExecutionStep)

// Manager is the session state machine.
type Manager struct {
	store storage.Store
	bus   *events.Bus
	cfg   *config.Config
	locks *sessionLocks

	gate       ApprovalScheduler
	canceller  CancelBroadcaster
	onTerminal TerminalFunc
}

// NewManager creates the state machine.
func NewManager(store storage.Store, bus *events.Bus, cfg *config.Config) *Manager {
	return &Manager{
		store: store,
		bus:   bus,
		cfg:   cfg,
		locks: newSessionLocks(),
	}
}

// SetApprovalScheduler wires the approval gate. Must be called before the
// first session runs.
func (m *Manager) SetApprovalScheduler(g ApprovalScheduler) { m.gate = g }

// SetCancelBroadcaster wires cooperative cancellation to the worker pool.
func (m *Manager) SetCancelBroadcaster(c CancelBroadcaster) { m.canceller = c }

// SetTerminalHook wires the terminal-outcome callback.
func (m *Manager) SetTerminalHook(fn TerminalFunc) { m.onTerminal = fn }

// CreateRequest is the input to CreateSession.
type CreateRequest struct {
	TenantID       string
	TicketID       string
	RunbookID      string
	RunbookVersion string
	Mode           models.ValidationMode
	Inputs         map[string]string
	DryRun         bool
	MatchScore     float64
	Actor          string
}

// CreateSession validates the request and persists a new session bound to
// the runbook version at creation time. An idempotency key collision
// returns the existing session with no error.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*models.ExecutionSession, error) {
	tenant := m.store.Tenant(req.TenantID)

	ticket, err := tenant.GetTicket(ctx, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("loading ticket %s: %w", req.TicketID, err)
	}

	spec, err := tenant.GetRunbook(ctx, req.RunbookID, req.RunbookVersion)
	if err != nil {
		return nil, fmt.Errorf("loading runbook %s@%s: %w", req.RunbookID, req.RunbookVersion, err)
	}
	if spec.State != runbook.StateApproved {
		return nil, fmt.Errorf("%w: %s@%s is %s", ErrRunbookNotApproved, spec.RunbookID, spec.Version, spec.State)
	}

	mode := req.Mode
	if !models.ValidValidationMode(mode) {
		mode = models.ValidatePerStep
	}
	// Destructive blast radius forces per-step validation.
	if spec.Risk == models.BlastDestructive {
		mode = models.ValidatePerStep
	}

	if m.cfg.Execution.MaxSessionsPerTenant > 0 {
		active, err := tenant.CountActiveSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting active sessions: %w", err)
		}
		if active >= m.cfg.Execution.MaxSessionsPerTenant {
			return nil, ErrTenantLimit
		}
	}

	if err := spec.ValidateInputs(req.Inputs); err != nil {
		return nil, err
	}

	conn, err := m.resolveConnection(ctx, tenant, ticket)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	resolved := spec.AllSteps()
	steps := make([]models.ExecutionStep, 0, len(resolved))
	for i, rs := range resolved {
		st := models.ExecutionStep{
			SessionID:        sessionID,
			StepIndex:        i,
			Phase:            rs.Phase,
			Name:             rs.Spec.Name,
			Manual:           rs.Spec.Type == runbook.StepManual,
			CredentialRef:    conn.CredentialRef,
			RequiresApproval: rs.RequiresApproval,
			Status:           models.StepPending,
			TimeoutSeconds:   rs.Spec.TimeoutSeconds,
			RetryAttempts:    rs.RetryAttempts,
			Idempotent:       rs.Spec.Idempotent,
			Destructive:      rs.Spec.Destructive,
			RequiresShell:    rs.Spec.RequiresShell,
		}
		if st.TimeoutSeconds <= 0 {
			st.TimeoutSeconds = 300
		}
		if !st.Manual {
			st.Command, err = runbook.BindInputs(rs.Spec.Command, req.Inputs, rs.Spec.RequiresShell)
			if err != nil {
				return nil, fmt.Errorf("binding step %q: %w", rs.Spec.Name, err)
			}
			if rs.Spec.RollbackCommand != "" {
				st.RollbackCommand, err = runbook.BindInputs(rs.Spec.RollbackCommand, req.Inputs, rs.Spec.RequiresShell)
				if err != nil {
					return nil, fmt.Errorf("binding rollback of step %q: %w", rs.Spec.Name, err)
				}
			}
		}
		steps = append(steps, st)
	}

	now := time.Now()
	session := &models.ExecutionSession{
		SessionID:      sessionID,
		TenantID:       req.TenantID,
		TicketID:       req.TicketID,
		RunbookID:      spec.RunbookID,
		RunbookVersion: spec.Version,
		Mode:           mode,
		SandboxProfile: sandboxProfile(spec.Environment),
		BlastRadius:    spec.Risk,
		Status:         models.SessionQueued,
		IdempotencyKey: ticket.IdempotencyKey,
		DryRun:         req.DryRun,
		CreatedAt:      now,
	}

	if err := tenant.CreateSession(ctx, session, steps); err != nil {
		var dup *storage.DuplicateIdempotencyKeyError
		if errors.As(err, &dup) {
			existing, getErr := tenant.GetSession(ctx, dup.ExistingSessionID)
			if getErr != nil {
				return nil, fmt.Errorf("loading existing session for idempotency key: %w", getErr)
			}
			slog.Info("Idempotency key collision, returning existing session",
				"tenant_id", req.TenantID, "session_id", existing.SessionID)
			return existing, nil
		}
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.audit(ctx, req.TenantID, req.Actor, "session.create", sessionID,
		map[string]any{"runbook_id": spec.RunbookID, "version": spec.Version, "mode": mode})

	if _, err := m.bus.PublishKind(ctx, req.TenantID, sessionID, models.EventSessionCreated, -1,
		events.SessionStatusPayload{Status: string(models.SessionQueued)}); err != nil {
		slog.Error("Failed to publish session.created", "session_id", sessionID, "error", err)
	}

	// A zero-step runbook completes immediately with a warning.
	if len(steps) == 0 {
		err := m.locks.withLock(sessionID, func() error {
			s, err := tenant.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			m.publish(ctx, req.TenantID, sessionID, models.EventSessionWarning, -1,
				events.SessionStatusPayload{Status: string(models.SessionCompleted), Reason: "runbook has zero steps"})
			return m.finalize(ctx, tenant, s, models.SessionCompleted)
		})
		if err != nil {
			return nil, err
		}
		return tenant.GetSession(ctx, sessionID)
	}

	if err := m.Advance(ctx, req.TenantID, sessionID); err != nil {
		return nil, err
	}
	return tenant.GetSession(ctx, sessionID)
}

// Advance is the idempotent tick: it inspects the current step status and
// applies the next transition. Safe to call at any time.
func (m *Manager) Advance(ctx context.Context, tenantID, sessionID string) error {
	return m.locks.withLock(sessionID, func() error {
		return m.advanceLocked(ctx, tenantID, sessionID)
	})
}

func (m *Manager) advanceLocked(ctx context.Context, tenantID, sessionID string) error {
	tenant := m.store.Tenant(tenantID)
	s, err := tenant.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() || s.Status == models.SessionPaused {
		return nil
	}
	if s.Status == models.SessionRollback {
		return m.advanceRollback(ctx, tenant, s)
	}

	steps, err := tenant.ListSteps(ctx, sessionID)
	if err != nil {
		return err
	}

	for {
		if s.CurrentStepIndex >= len(steps) {
			return m.finalize(ctx, tenant, s, models.SessionCompleted)
		}
		step := &steps[s.CurrentStepIndex]

		switch step.Status {
		case models.StepPending:
			if s.WorkerID == "" {
				if err := m.assignWorker(ctx, tenant, s, steps); err != nil {
					return err
				}
				if s.WorkerID == "" {
					// No eligible worker yet; stay in assigning and tick later.
					return nil
				}
			}
			if m.requiresApproval(s, steps, s.CurrentStepIndex) {
				return m.requestApproval(ctx, tenant, s, step)
			}
			return m.dispatch(ctx, tenant, s, step)

		case models.StepApproved:
			return m.dispatch(ctx, tenant, s, step)

		case models.StepAwaitingApproval, models.StepRunning:
			// In flight; nothing to do on this tick.
			return nil

		case models.StepSucceeded, models.StepSkipped:
			if s.CurrentStepIndex+1 >= len(steps) {
				return m.finalize(ctx, tenant, s, models.SessionCompleted)
			}
			s.CurrentStepIndex++
			if err := tenant.UpdateSession(ctx, s); err != nil {
				return err
			}
			// Loop to evaluate the next step.

		case models.StepFailed:
			return m.beginRollback(ctx, tenant, s, steps, "")

		case models.StepRolledBack:
			return nil

		default:
			return fmt.Errorf("step %d in unknown status %q", step.StepIndex, step.Status)
		}
	}
}

// requiresApproval applies the validation mode to one step index. The
// global hil mode additionally gates the first step of every session on an
// operator approval.
func (m *Manager) requiresApproval(s *models.ExecutionSession, steps []models.ExecutionStep, idx int) bool {
	step := steps[idx]
	if m.cfg.Execution.Mode == models.ModeHIL && idx == 0 {
		return true
	}
	switch s.Mode {
	case models.ValidatePerStep:
		return true
	case models.ValidatePerPhase:
		return idx == 0 || steps[idx-1].Phase != step.Phase
	case models.ValidateCriticalOnly:
		return step.RequiresApproval || step.Destructive
	case models.ValidateFinalOnly:
		return idx == len(steps)-1
	}
	return step.RequiresApproval
}

func (m *Manager) requestApproval(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, step *models.ExecutionStep) error {
	step.Status = models.StepAwaitingApproval
	if err := tenant.UpdateStep(ctx, step); err != nil {
		return err
	}

	s.Status = models.SessionWaitingForApproval
	s.WaitingForApproval = true
	s.ApprovalStepIndex = step.StepIndex
	if err := tenant.UpdateSession(ctx, s); err != nil {
		return err
	}

	sla := m.cfg.Approval.SLAFor(sandboxEnv(s.SandboxProfile))
	deadline := time.Now().Add(sla)
	m.publish(ctx, s.TenantID, s.SessionID, models.EventApprovalRequested, step.StepIndex,
		events.ApprovalPayload{
			StepName:  step.Name,
			TwoPerson: step.Destructive,
			Deadline:  deadline.Format(time.RFC3339),
		})

	if m.gate != nil {
		m.gate.Schedule(models.ApprovalTask{
			SessionID:   s.SessionID,
			TenantID:    s.TenantID,
			StepIndex:   step.StepIndex,
			StepName:    step.Name,
			Command:     step.Command,
			BlastRadius: s.BlastRadius,
			RequestedAt: time.Now(),
			SLADeadline: deadline,
			TwoPerson:   step.Destructive,
		})
	}
	return nil
}

// dispatch enqueues the step's command for the assigned worker and marks
// it running. Manual steps skip the queue: they run as an operator
// acknowledgment wait.
func (m *Manager) dispatch(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, step *models.ExecutionStep) error {
	now := time.Now()
	step.Status = models.StepRunning
	step.StartedAt = &now
	if err := tenant.UpdateStep(ctx, step); err != nil {
		return err
	}

	s.Status = models.SessionExecuting
	s.WaitingForApproval = false
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	if err := tenant.UpdateSession(ctx, s); err != nil {
		return err
	}

	if step.Manual {
		m.publish(ctx, s.TenantID, s.SessionID, models.EventStepStarted, step.StepIndex,
			map[string]string{"name": step.Name, "type": "manual"})
		return nil
	}

	return m.enqueueCommand(ctx, tenant, s, step, false)
}

func (m *Manager) enqueueCommand(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, step *models.ExecutionStep, rollback bool) error {
	ticket, err := tenant.GetTicket(ctx, s.TicketID)
	if err != nil {
		return fmt.Errorf("loading ticket for dispatch: %w", err)
	}
	conn, err := m.resolveConnection(ctx, tenant, ticket)
	if err != nil {
		return err
	}

	command := step.Command
	key := fmt.Sprintf("%s/%d", s.SessionID, step.StepIndex)
	if rollback {
		command = step.RollbackCommand
		key += ":rollback"
	}

	var expected *runbook.OutputMatcher
	if !rollback {
		if spec, err := tenant.GetRunbook(ctx, s.RunbookID, s.RunbookVersion); err == nil {
			resolved := spec.AllSteps()
			if step.StepIndex < len(resolved) {
				expected = resolved[step.StepIndex].Spec.ExpectedOutput
			}
		}
	}

	msg := &storage.CommandMessage{
		MessageID:      uuid.New().String(),
		TenantID:       s.TenantID,
		SessionID:      s.SessionID,
		StepIndex:      step.StepIndex,
		IdempotencyKey: key,
		Kind:           conn.Kind,
		Command:        command,
		Rollback:       rollback,
		TimeoutSeconds: step.TimeoutSeconds,
		DryRun:         s.DryRun,
		ExpectedOutput: expected,
		Target:         *conn,
		EnqueuedAt:     time.Now(),
	}
	if err := m.store.Global().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueueing command for step %d: %w", step.StepIndex, err)
	}
	return nil
}

// ClaimStep is called by a worker after claiming a queue message. It
// validates the one-assignee invariant and records the assignment.
func (m *Manager) ClaimStep(ctx context.Context, tenantID, sessionID string, stepIndex int, workerID string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.WorkerID != "" && s.WorkerID != workerID {
			prior, err := m.store.Global().GetWorker(ctx, s.WorkerID)
			if err == nil && prior.State != models.WorkerOffline {
				return &ProtocolError{Reason: fmt.Sprintf(
					"session %s already assigned to worker %s", sessionID, s.WorkerID)}
			}
		}
		if s.WorkerID != workerID {
			s.WorkerID = workerID
			if err := tenant.UpdateSession(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordStepResult applies a worker's proposed outcome. Only the current
// assignee may report, and only for a running step; violations pause the
// session as protocol errors.
func (m *Manager) RecordStepResult(ctx context.Context, tenantID, sessionID string, stepIndex int, workerID string, result *models.StepResult, rollback bool) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		step, err := tenant.GetStep(ctx, sessionID, stepIndex)
		if err != nil {
			return err
		}

		if s.WorkerID != workerID {
			return m.protocolViolation(ctx, tenant, s, fmt.Sprintf(
				"worker %s reported result for session assigned to %s", workerID, s.WorkerID))
		}
		if rollback {
			return m.recordRollbackResult(ctx, tenant, s, step, result)
		}
		if step.Status != models.StepRunning {
			return m.protocolViolation(ctx, tenant, s, fmt.Sprintf(
				"result for step %d in status %s", stepIndex, step.Status))
		}

		succeeded := result.Success
		if succeeded && result.OutputMatch != nil && !*result.OutputMatch {
			succeeded = false
			result.ErrorKind = models.ErrKindConnectorPermanent
			result.FailReason = "output did not match expected pattern"
		}

		now := time.Now()
		step.Stdout = result.Stdout
		step.Stderr = result.Stderr
		exit := result.ExitCode
		step.ExitCode = &exit
		step.ExecutionMS = result.DurationMS
		step.CompletedAt = &now
		if succeeded {
			step.Status = models.StepSucceeded
		} else {
			step.Status = models.StepFailed
			step.ErrorKind = result.ErrorKind
			step.FailReason = result.FailReason
		}
		if err := tenant.UpdateStep(ctx, step); err != nil {
			return err
		}

		kind := models.EventStepCompleted
		if !succeeded {
			kind = models.EventStepFailed
		}
		m.publish(ctx, tenantID, sessionID, kind, stepIndex, events.StepCompletedPayload{
			ExitCode:   result.ExitCode,
			DurationMS: result.DurationMS,
			ErrorKind:  string(result.ErrorKind),
			Reason:     result.FailReason,
		})

		// Worker loss during the report path leaves the session paused; a
		// paused session is not advanced here.
		return m.advanceLocked(ctx, tenantID, sessionID)
	})
}

// AcknowledgeManualStep completes a manual step on explicit operator
// acknowledgment.
func (m *Manager) AcknowledgeManualStep(ctx context.Context, tenantID, sessionID string, stepIndex int, actor string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		step, err := tenant.GetStep(ctx, sessionID, stepIndex)
		if err != nil {
			return err
		}
		if !step.Manual {
			return ErrNotManualStep
		}
		if step.Status != models.StepRunning {
			return fmt.Errorf("manual step %d is %s, not running", stepIndex, step.Status)
		}

		now := time.Now()
		step.Status = models.StepSucceeded
		step.CompletedAt = &now
		if err := tenant.UpdateStep(ctx, step); err != nil {
			return err
		}

		m.audit(ctx, tenantID, actor, "step.acknowledge", sessionID,
			map[string]any{"step_index": stepIndex})
		m.publish(ctx, tenantID, sessionID, models.EventStepCompleted, stepIndex,
			events.StepCompletedPayload{ExitCode: 0})
		return m.advanceLocked(ctx, tenantID, sessionID)
	})
}

// ApproveStep resolves a pending approval. Idempotent: repeating the same
// decision leaves the session state unchanged.
func (m *Manager) ApproveStep(ctx context.Context, tenantID, sessionID string, stepIndex int, approver string, approve bool, notes string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		step, err := tenant.GetStep(ctx, sessionID, stepIndex)
		if err != nil {
			return err
		}

		// Idempotent repeat of a decision already applied.
		if approve && (step.Status == models.StepApproved ||
			(step.Status == models.StepRunning && step.ApprovedBy != "")) {
			return nil
		}
		if !approve && s.Status == models.SessionPaused && s.PauseReason == pauseApprovalRejected {
			return nil
		}

		if s.Status == models.SessionPaused && s.PauseReason == pauseApprovalExpired {
			return ErrApprovalExpired
		}
		if step.Status != models.StepAwaitingApproval {
			return ErrNotAwaitingApproval
		}

		if m.gate != nil {
			m.gate.CancelTimer(sessionID, stepIndex)
		}

		decision := "rejected"
		if approve {
			decision = "approved"
		}
		m.audit(ctx, tenantID, approver, "approval."+decision, sessionID,
			map[string]any{"step_index": stepIndex, "notes": notes})
		m.publish(ctx, tenantID, sessionID, models.EventApprovalResolved, stepIndex,
			events.ApprovalPayload{StepName: step.Name, Decision: decision, Approver: approver, Notes: notes})

		if !approve {
			s.Status = models.SessionPaused
			s.PauseReason = pauseApprovalRejected
			s.WaitingForApproval = false
			return tenant.UpdateSession(ctx, s)
		}

		now := time.Now()
		step.Status = models.StepApproved
		step.ApprovedBy = approver
		step.ApprovedAt = &now
		if err := tenant.UpdateStep(ctx, step); err != nil {
			return err
		}

		s.Status = models.SessionExecuting
		s.WaitingForApproval = false
		if err := tenant.UpdateSession(ctx, s); err != nil {
			return err
		}
		return m.advanceLocked(ctx, tenantID, sessionID)
	})
}

// ExpireApproval is called by the approval gate when the SLA elapses. The
// session pauses; an operator action is required to resume.
func (m *Manager) ExpireApproval(ctx context.Context, tenantID, sessionID string, stepIndex int) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		step, err := tenant.GetStep(ctx, sessionID, stepIndex)
		if err != nil {
			return err
		}
		if step.Status != models.StepAwaitingApproval {
			return nil
		}

		s.Status = models.SessionPaused
		s.PauseReason = pauseApprovalExpired
		if err := tenant.UpdateSession(ctx, s); err != nil {
			return err
		}
		m.publish(ctx, tenantID, sessionID, models.EventApprovalExpired, stepIndex,
			events.ApprovalPayload{StepName: step.Name})
		return nil
	})
}

// Cancel cancels a session from any non-terminal state. Succeeded steps
// with rollback commands are rolled back in reverse order first.
func (m *Manager) Cancel(ctx context.Context, tenantID, sessionID, reason, actor string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return ErrSessionTerminal
		}

		m.audit(ctx, tenantID, actor, "session.cancel", sessionID, map[string]any{"reason": reason})

		if m.gate != nil && s.WaitingForApproval {
			m.gate.CancelTimer(sessionID, s.ApprovalStepIndex)
		}

		steps, err := tenant.ListSteps(ctx, sessionID)
		if err != nil {
			return err
		}
		// Ask the worker to stop an in-flight step; its result will be
		// recorded as cancelled but no longer drives the session forward.
		if m.canceller != nil {
			for i := range steps {
				if steps[i].Status == models.StepRunning && !steps[i].Manual {
					m.canceller.RequestCancel(sessionID, steps[i].StepIndex)
				}
			}
		}

		return m.beginRollback(ctx, tenant, s, steps, reason)
	})
}

// PauseWorkerLost pauses a session whose assigned worker went offline
// mid-step. The in-flight command outcome is unknown; no automatic
// reassignment happens.
func (m *Manager) PauseWorkerLost(ctx context.Context, tenantID, sessionID string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() || s.Status == models.SessionPaused {
			return nil
		}
		s.Status = models.SessionPaused
		s.PauseReason = pauseWorkerLost
		if err := tenant.UpdateSession(ctx, s); err != nil {
			return err
		}
		m.publish(ctx, tenantID, sessionID, models.EventSessionPaused, -1,
			events.SessionStatusPayload{Status: string(models.SessionPaused), Reason: pauseWorkerLost})
		return nil
	})
}

// Resume returns a paused session to execution after operator
// confirmation. If the prior worker is offline, the assignment is cleared
// so a new worker can claim.
func (m *Manager) Resume(ctx context.Context, tenantID, sessionID, actor string) error {
	return m.locks.withLock(sessionID, func() error {
		tenant := m.store.Tenant(tenantID)
		s, err := tenant.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != models.SessionPaused {
			return fmt.Errorf("session %s is %s, not paused", sessionID, s.Status)
		}

		if s.WorkerID != "" {
			w, err := m.store.Global().GetWorker(ctx, s.WorkerID)
			if err != nil || w.State == models.WorkerOffline {
				s.WorkerID = ""
			}
		}
		s.Status = models.SessionQueued
		s.PauseReason = ""
		if err := tenant.UpdateSession(ctx, s); err != nil {
			return err
		}
		m.audit(ctx, tenantID, actor, "session.resume", sessionID, nil)
		return m.advanceLocked(ctx, tenantID, sessionID)
	})
}

// Pause reasons recorded on the session.
const (
	pauseWorkerLost       = "worker_lost"
	pauseApprovalRejected = "approval_rejected"
	pauseApprovalExpired  = "approval_expired"
	pauseProtocolError    = "protocol_error"
	cancelPrefix          = "cancel:"
)

// beginRollback enters the rollback phase after a failure or a cancel.
// cancelReason is empty for failure-driven rollback. When no succeeded
// predecessor carries a rollback command, the session finalizes directly.
func (m *Manager) beginRollback(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, steps []models.ExecutionStep, cancelReason string) error {
	terminal := models.SessionFailed
	if cancelReason != "" {
		terminal = models.SessionCancelled
		s.PauseReason = cancelPrefix + cancelReason
	} else {
		s.PauseReason = ""
	}

	next := nextRollbackIndex(steps)
	if next < 0 {
		return m.finalize(ctx, tenant, s, terminal)
	}

	s.Status = models.SessionRollback
	if err := tenant.UpdateSession(ctx, s); err != nil {
		return err
	}
	return m.dispatchRollback(ctx, tenant, s, &steps[next])
}

// advanceRollback continues the rollback iteration. Individual rollback
// failures are recorded and iteration continues; no nested rollback is
// attempted.
func (m *Manager) advanceRollback(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession) error {
	steps, err := tenant.ListSteps(ctx, s.SessionID)
	if err != nil {
		return err
	}
	// A rollback already in flight owns the session until its result lands.
	for i := range steps {
		if steps[i].Status == models.StepSucceeded && steps[i].RollbackCommand != "" &&
			!steps[i].RollbackExecuted && steps[i].RollbackStartedAt != nil {
			return nil
		}
	}

	next := nextRollbackIndex(steps)
	if next < 0 {
		terminal := models.SessionFailed
		if strings.HasPrefix(s.PauseReason, cancelPrefix) {
			terminal = models.SessionCancelled
		}
		return m.finalize(ctx, tenant, s, terminal)
	}
	return m.dispatchRollback(ctx, tenant, s, &steps[next])
}

// nextRollbackIndex picks the highest-index succeeded step with an
// unexecuted rollback command. Steps without rollback commands are
// skipped, not failed.
func nextRollbackIndex(steps []models.ExecutionStep) int {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == models.StepSucceeded && steps[i].RollbackCommand != "" && !steps[i].RollbackExecuted {
			return i
		}
	}
	return -1
}

func (m *Manager) dispatchRollback(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, step *models.ExecutionStep) error {
	step.RollbackStartedAt = timePtr(time.Now())
	if err := tenant.UpdateStep(ctx, step); err != nil {
		return err
	}
	m.publish(ctx, s.TenantID, s.SessionID, models.EventRollbackStarted, step.StepIndex,
		map[string]string{"name": step.Name})
	return m.enqueueCommand(ctx, tenant, s, step, true)
}

func (m *Manager) recordRollbackResult(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, step *models.ExecutionStep, result *models.StepResult) error {
	if s.Status != models.SessionRollback {
		return m.protocolViolation(ctx, tenant, s, fmt.Sprintf(
			"rollback result for step %d while session is %s", step.StepIndex, s.Status))
	}

	step.RollbackExecuted = true
	if result.Success {
		step.RollbackResult = "ok"
		step.Status = models.StepRolledBack
	} else {
		step.RollbackResult = result.FailReason
		slog.Warn("Rollback step failed, continuing rollback iteration",
			"session_id", s.SessionID, "step_index", step.StepIndex, "reason", result.FailReason)
	}
	if err := tenant.UpdateStep(ctx, step); err != nil {
		return err
	}

	m.publish(ctx, s.TenantID, s.SessionID, models.EventRollbackCompleted, step.StepIndex,
		events.StepCompletedPayload{
			ExitCode:   result.ExitCode,
			DurationMS: result.DurationMS,
			ErrorKind:  string(result.ErrorKind),
			Reason:     result.FailReason,
		})
	return m.advanceRollback(ctx, tenant, s)
}

// finalize moves the session to a terminal state, emits the terminal
// event, and fires the outcome hook.
func (m *Manager) finalize(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, terminal models.SessionStatus) error {
	now := time.Now()
	s.Status = terminal
	s.CompletedAt = &now
	s.WaitingForApproval = false
	if err := tenant.UpdateSession(ctx, s); err != nil {
		return err
	}

	kind := models.EventSessionCompleted
	switch terminal {
	case models.SessionFailed:
		kind = models.EventSessionFailed
	case models.SessionCancelled:
		kind = models.EventSessionCancelled
	}
	reason := strings.TrimPrefix(s.PauseReason, cancelPrefix)
	m.publish(ctx, s.TenantID, s.SessionID, kind, -1,
		events.SessionStatusPayload{Status: string(terminal), Reason: reason})

	if m.onTerminal != nil {
		steps, err := tenant.ListSteps(ctx, s.SessionID)
		if err != nil {
			slog.Error("Failed to load steps for terminal hook", "session_id", s.SessionID, "error", err)
			steps = nil
		}
		m.onTerminal(ctx, s.TenantID, s, steps)
	}
	return nil
}

// protocolViolation logs, pauses the session, and returns the error.
func (m *Manager) protocolViolation(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, reason string) error {
	slog.Error("Protocol violation, pausing session", "session_id", s.SessionID, "reason", reason)
	if !s.Status.Terminal() {
		s.Status = models.SessionPaused
		s.PauseReason = pauseProtocolError
		if err := tenant.UpdateSession(ctx, s); err != nil {
			slog.Error("Failed to pause session after protocol violation",
				"session_id", s.SessionID, "error", err)
		}
		m.publish(ctx, s.TenantID, s.SessionID, models.EventSessionPaused, -1,
			events.SessionStatusPayload{Status: string(models.SessionPaused), Reason: pauseProtocolError})
	}
	return &ProtocolError{Reason: reason}
}

// assignWorker picks the least-loaded online worker able to serve the
// session's connector kind. Leaves WorkerID empty when none is eligible.
func (m *Manager) assignWorker(ctx context.Context, tenant storage.TenantStore, s *models.ExecutionSession, steps []models.ExecutionStep) error {
	ticket, err := tenant.GetTicket(ctx, s.TicketID)
	if err != nil {
		return err
	}
	conn, err := m.resolveConnection(ctx, tenant, ticket)
	if err != nil {
		return err
	}

	workers, err := m.store.Global().ListWorkers(ctx)
	if err != nil {
		return err
	}

	var best *models.AgentWorker
	for _, w := range workers {
		if w.State == models.WorkerOffline || w.State == models.WorkerDraining || w.State == models.WorkerErrored {
			continue
		}
		if w.CurrentLoad >= w.MaxLoad {
			continue
		}
		if !w.CanServe(s.TenantID, conn.Kind) {
			continue
		}
		if best == nil || w.CurrentLoad < best.CurrentLoad {
			best = w
		}
	}
	if best == nil {
		if s.Status != models.SessionAssigning {
			s.Status = models.SessionAssigning
			if err := tenant.UpdateSession(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	s.WorkerID = best.WorkerID
	if err := tenant.UpdateSession(ctx, s); err != nil {
		return err
	}
	m.publish(ctx, s.TenantID, s.SessionID, models.EventSessionAssigned, -1,
		map[string]string{"worker_id": best.WorkerID})
	return nil
}

// resolveConnection matches ci_hint, then service+environment, then
// service alone against registered connections.
func (m *Manager) resolveConnection(ctx context.Context, tenant storage.TenantStore, ticket *models.Ticket) (*models.InfrastructureConnection, error) {
	conns, err := tenant.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	if ticket.CIHint != "" {
		for i := range conns {
			if conns[i].Name == ticket.CIHint {
				return &conns[i], nil
			}
		}
	}
	for i := range conns {
		if conns[i].Service == ticket.Service && conns[i].Environment == ticket.Environment {
			return &conns[i], nil
		}
	}
	for i := range conns {
		if conns[i].Service == ticket.Service && ticket.Service != "" {
			return &conns[i], nil
		}
	}
	return nil, fmt.Errorf("%w: ticket %s", ErrNoConnection, ticket.TicketID)
}

func (m *Manager) publish(ctx context.Context, tenantID, sessionID, kind string, stepIndex int, payload any) {
	if _, err := m.bus.PublishKind(ctx, tenantID, sessionID, kind, stepIndex, payload); err != nil {
		slog.Error("Failed to publish event", "session_id", sessionID, "kind", kind, "error", err)
	}
}

func (m *Manager) audit(ctx context.Context, tenantID, actor, action, sessionID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			raw = data
		}
	}
	entry := &models.AuditEntry{Actor: actor, Action: action, SessionID: sessionID, Detail: raw}
	if err := m.store.Tenant(tenantID).AppendAudit(ctx, entry); err != nil {
		slog.Error("Failed to append audit entry", "action", action, "session_id", sessionID, "error", err)
	}
}

// sandboxProfile derives the isolation profile from the runbook
// environment tag.
func sandboxProfile(environment string) string {
	if isProductionEnv(environment) {
		return "prod-restricted"
	}
	return "standard"
}

// sandboxEnv inverts sandboxProfile for SLA lookup.
func sandboxEnv(profile string) string {
	if profile == "prod-restricted" {
		return "prod"
	}
	return ""
}

func isProductionEnv(env string) bool {
	return env == "prod" || env == "production"
}

func timePtr(t time.Time) *time.Time { return &t }
