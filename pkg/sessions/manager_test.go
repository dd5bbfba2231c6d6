package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/storage/memory"
)

const testRunbookYAML = `
runbook_id: rb-restart
version: 1.0.0
title: Restart checkout service
service: checkout
env: prod
risk: low
inputs:
  - name: service
    type: string
    required: true
prechecks:
  - name: check status
    command: "systemctl status {service}"
    idempotent: true
steps:
  - name: restart
    command: "systemctl restart {service}"
    rollback_command: "systemctl start {service}"
postchecks:
  - name: verify
    command: "systemctl is-active {service}"
    idempotent: true
`

type gateRecorder struct {
	mu        sync.Mutex
	scheduled []models.ApprovalTask
	cancelled []int
}

func (g *gateRecorder) Schedule(task models.ApprovalTask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduled = append(g.scheduled, task)
}

func (g *gateRecorder) CancelTimer(_ string, stepIndex int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, stepIndex)
}

type terminalRecorder struct {
	mu       sync.Mutex
	statuses []models.SessionStatus
}

func (r *terminalRecorder) hook(_ context.Context, _ string, s *models.ExecutionSession, _ []models.ExecutionStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s.Status)
}

type testEnv struct {
	store    *memory.Store
	mgr      *Manager
	worker   *models.AgentWorker
	gate     *gateRecorder
	terminal *terminalRecorder
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Execution: config.ExecutionConfig{
			Mode:                 models.ModeAuto,
			MaxSessionsPerTenant: 10,
		},
		Approval: config.ApprovalConfig{
			SLAByEnvironment: map[string]time.Duration{"": time.Hour},
		},
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	store := memory.New()
	mgr := NewManager(store, events.NewBus(store, nil, nil), cfg)
	gate := &gateRecorder{}
	terminal := &terminalRecorder{}
	mgr.SetApprovalScheduler(gate)
	mgr.SetTerminalHook(terminal.hook)

	ctx := context.Background()
	worker := &models.AgentWorker{
		WorkerID:        "w-1",
		TenantScope:     []string{"*"},
		NetworkSegment:  "production",
		Capabilities:    []models.ConnectorKind{models.ConnectorSSH},
		MaxLoad:         5,
		State:           models.WorkerIdle,
		LastHeartbeatAt: time.Now(),
		RegisteredAt:    time.Now(),
	}
	require.NoError(t, store.Global().RegisterWorker(ctx, worker))

	tenant := store.Tenant("t1")
	require.NoError(t, tenant.PutConnection(ctx, &models.InfrastructureConnection{
		Name:          "checkout-prod",
		TenantID:      "t1",
		Kind:          models.ConnectorSSH,
		Host:          "app-1.internal",
		CredentialRef: "app-1/svc",
		Environment:   "prod",
		Service:       "checkout",
	}))
	require.NoError(t, tenant.CreateTicket(ctx, &models.Ticket{
		TicketID:       "tk-1",
		TenantID:       "t1",
		Source:         "pagerduty",
		Title:          "checkout down",
		Description:    "restart required",
		Severity:       models.SeverityHigh,
		Environment:    "prod",
		Service:        "checkout",
		Status:         models.TicketOpen,
		IdempotencyKey: "idem-1",
		CreatedAt:      time.Now(),
	}))

	e := &testEnv{store: store, mgr: mgr, worker: worker, gate: gate, terminal: terminal}
	e.putRunbook(t, testRunbookYAML)
	return e
}

func (e *testEnv) putRunbook(t *testing.T, yaml string) *runbook.Spec {
	t.Helper()
	spec, err := runbook.Parse([]byte(yaml))
	require.NoError(t, err)
	spec.State = runbook.StateApproved
	spec.ApprovedAt = time.Now()
	require.NoError(t, e.store.Tenant("t1").PutRunbook(context.Background(), spec))
	return spec
}

func (e *testEnv) create(t *testing.T, mode models.ValidationMode) *models.ExecutionSession {
	t.Helper()
	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID:       "t1",
		TicketID:       "tk-1",
		RunbookID:      "rb-restart",
		RunbookVersion: "1.0.0",
		Mode:           mode,
		Inputs:         map[string]string{"service": "nginx"},
		Actor:          "op@example.com",
	})
	require.NoError(t, err)
	return s
}

// claimAndReport drives one queue message through the worker protocol.
func (e *testEnv) claimAndReport(t *testing.T, result *models.StepResult) *storage.CommandMessage {
	t.Helper()
	ctx := context.Background()
	msg, err := e.store.Global().ClaimNext(ctx, e.worker, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.mgr.ClaimStep(ctx, msg.TenantID, msg.SessionID, msg.StepIndex, e.worker.WorkerID))
	require.NoError(t, e.mgr.RecordStepResult(ctx, msg.TenantID, msg.SessionID, msg.StepIndex, e.worker.WorkerID, result, msg.Rollback))
	require.NoError(t, e.store.Global().Ack(ctx, msg.MessageID, e.worker.WorkerID))
	return msg
}

func succeed() *models.StepResult {
	return &models.StepResult{Success: true, ExitCode: 0, Stdout: "ok", DurationMS: 10}
}

func (e *testEnv) session(t *testing.T, sessionID string) *models.ExecutionSession {
	t.Helper()
	s, err := e.store.Tenant("t1").GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) steps(t *testing.T, sessionID string) []models.ExecutionStep {
	t.Helper()
	steps, err := e.store.Tenant("t1").ListSteps(context.Background(), sessionID)
	require.NoError(t, err)
	return steps
}

func TestCreateSession_HappyPath(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)

	assert.Equal(t, models.SessionExecuting, s.Status)
	assert.Equal(t, "w-1", s.WorkerID)
	assert.Equal(t, models.BlastLow, s.BlastRadius)
	assert.Equal(t, "prod-restricted", s.SandboxProfile)
	assert.Equal(t, "idem-1", s.IdempotencyKey)

	steps := e.steps(t, s.SessionID)
	require.Len(t, steps, 3)
	assert.Equal(t, "systemctl status nginx", steps[0].Command)
	assert.Equal(t, "systemctl restart nginx", steps[1].Command)
	assert.Equal(t, "systemctl start nginx", steps[1].RollbackCommand)
	assert.Equal(t, models.StepRunning, steps[0].Status)
	assert.Equal(t, "app-1/svc", steps[0].CredentialRef)

	msg := e.claimAndReport(t, succeed())
	assert.Equal(t, 0, msg.StepIndex)
	assert.Equal(t, models.ConnectorSSH, msg.Kind)
	assert.False(t, msg.Rollback)

	e.claimAndReport(t, succeed())
	e.claimAndReport(t, succeed())

	final := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)

	for _, st := range e.steps(t, s.SessionID) {
		assert.Equal(t, models.StepSucceeded, st.Status, st.Name)
	}

	require.Len(t, e.terminal.statuses, 1)
	assert.Equal(t, models.SessionCompleted, e.terminal.statuses[0])

	// The event log is contiguous from seq 1 and ends with the terminal event.
	evs, err := e.store.Tenant("t1").EventsSince(context.Background(), s.SessionID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, models.EventSessionCreated, evs[0].Kind)
	assert.Equal(t, models.EventSessionCompleted, evs[len(evs)-1].Kind)
}

func TestCreateSession_RunbookNotApproved(t *testing.T) {
	e := newTestEnv(t)
	spec, err := runbook.Parse([]byte(testRunbookYAML))
	require.NoError(t, err)
	spec.Version = "1.1.0"
	spec.State = runbook.StateDraft
	require.NoError(t, e.store.Tenant("t1").PutRunbook(context.Background(), spec))

	_, err = e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-restart", RunbookVersion: "1.1.0",
		Inputs: map[string]string{"service": "nginx"}, Actor: "op",
	})
	assert.ErrorIs(t, err, ErrRunbookNotApproved)
}

func TestCreateSession_UndeclaredInput(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-restart", RunbookVersion: "1.0.0",
		Inputs: map[string]string{"service": "nginx", "extra": "x"}, Actor: "op",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared input "extra"`)
}

func TestCreateSession_TenantLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Execution.MaxSessionsPerTenant = 1 })
	e.create(t, models.ValidateCriticalOnly)

	require.NoError(t, e.store.Tenant("t1").CreateTicket(context.Background(), &models.Ticket{
		TicketID: "tk-2", TenantID: "t1", Source: "pagerduty", Title: "x", Description: "y",
		Severity: models.SeverityHigh, Environment: "prod", Service: "checkout",
		Status: models.TicketOpen, IdempotencyKey: "idem-2", CreatedAt: time.Now(),
	}))
	_, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-2", RunbookID: "rb-restart", RunbookVersion: "1.0.0",
		Inputs: map[string]string{"service": "nginx"}, Actor: "op",
	})
	assert.ErrorIs(t, err, ErrTenantLimit)
}

func TestCreateSession_IdempotencyCollision(t *testing.T) {
	e := newTestEnv(t)
	first := e.create(t, models.ValidateCriticalOnly)

	// Same ticket, same idempotency key: the existing session comes back.
	second := e.create(t, models.ValidateCriticalOnly)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestCreateSession_ZeroStepsCompletesImmediately(t *testing.T) {
	e := newTestEnv(t)
	e.putRunbook(t, "runbook_id: rb-empty\nversion: 1.0.0\nservice: checkout\nenv: prod\nrisk: low\nsteps: []")

	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-empty", RunbookVersion: "1.0.0", Actor: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)

	evs, err := e.store.Tenant("t1").EventsSince(context.Background(), s.SessionID, 0, 100)
	require.NoError(t, err)
	kinds := make([]string, 0, len(evs))
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, models.EventSessionWarning)
}

func TestCreateSession_DestructiveForcesPerStep(t *testing.T) {
	e := newTestEnv(t)
	e.putRunbook(t, `
runbook_id: rb-wipe
version: 1.0.0
service: checkout
env: prod
risk: destructive
steps:
  - name: decommission
    command: "scripts/decommission.sh"
    destructive: true
`)

	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-wipe", RunbookVersion: "1.0.0",
		Mode: models.ValidateFinalOnly, Actor: "op",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ValidatePerStep, s.Mode)
	assert.Equal(t, models.SessionWaitingForApproval, s.Status)
}

func TestApprovalFlow(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidatePerStep)

	assert.Equal(t, models.SessionWaitingForApproval, s.Status)
	assert.True(t, s.WaitingForApproval)
	assert.Equal(t, 0, s.ApprovalStepIndex)

	steps := e.steps(t, s.SessionID)
	assert.Equal(t, models.StepAwaitingApproval, steps[0].Status)
	require.Len(t, e.gate.scheduled, 1)
	assert.Equal(t, "check status", e.gate.scheduled[0].StepName)

	ctx := context.Background()
	require.NoError(t, e.mgr.ApproveStep(ctx, "t1", s.SessionID, 0, "lead@example.com", true, "go"))
	assert.Equal(t, []int{0}, e.gate.cancelled)

	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionExecuting, cur.Status)
	steps = e.steps(t, s.SessionID)
	assert.Equal(t, models.StepRunning, steps[0].Status)
	assert.Equal(t, "lead@example.com", steps[0].ApprovedBy)

	// Approving again is an idempotent no-op.
	require.NoError(t, e.mgr.ApproveStep(ctx, "t1", s.SessionID, 0, "lead@example.com", true, "go"))

	e.claimAndReport(t, succeed())

	// Next step waits on its own approval; reject it.
	cur = e.session(t, s.SessionID)
	assert.Equal(t, models.SessionWaitingForApproval, cur.Status)
	require.NoError(t, e.mgr.ApproveStep(ctx, "t1", s.SessionID, 1, "lead@example.com", false, "not now"))

	cur = e.session(t, s.SessionID)
	assert.Equal(t, models.SessionPaused, cur.Status)
	assert.Equal(t, pauseApprovalRejected, cur.PauseReason)

	// Repeating the rejection is idempotent.
	require.NoError(t, e.mgr.ApproveStep(ctx, "t1", s.SessionID, 1, "lead@example.com", false, "not now"))
}

func TestApproveStep_NotAwaiting(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)

	err := e.mgr.ApproveStep(context.Background(), "t1", s.SessionID, 0, "lead", true, "")
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestApprovalExpiry(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidatePerStep)
	ctx := context.Background()

	require.NoError(t, e.mgr.ExpireApproval(ctx, "t1", s.SessionID, 0))

	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionPaused, cur.Status)
	assert.Equal(t, pauseApprovalExpired, cur.PauseReason)

	// A decision landing after expiry is refused.
	err := e.mgr.ApproveStep(ctx, "t1", s.SessionID, 0, "lead", true, "")
	assert.ErrorIs(t, err, ErrApprovalExpired)

	// Expiring an already-resolved approval is a no-op.
	require.NoError(t, e.mgr.ExpireApproval(ctx, "t1", s.SessionID, 0))
}

func TestStepFailureTriggersRollback(t *testing.T) {
	e := newTestEnv(t)
	e.putRunbook(t, `
runbook_id: rb-two-phase
version: 1.0.0
service: checkout
env: prod
risk: low
steps:
  - name: scale down
    command: "scale down"
    rollback_command: "scale up"
  - name: migrate
    command: "run migration"
`)

	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-two-phase", RunbookVersion: "1.0.0",
		Mode: models.ValidateCriticalOnly, Actor: "op",
	})
	require.NoError(t, err)

	e.claimAndReport(t, succeed())
	e.claimAndReport(t, &models.StepResult{
		Success: false, ExitCode: 1, Stderr: "migration failed",
		ErrorKind: models.ErrKindConnectorPermanent, FailReason: "command exited with status 1",
	})

	// The failed step put the session into rollback and enqueued the
	// rollback of the succeeded predecessor.
	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionRollback, cur.Status)

	msg := e.claimAndReport(t, succeed())
	assert.True(t, msg.Rollback)
	assert.Equal(t, "scale up", msg.Command)
	assert.Equal(t, 0, msg.StepIndex)

	cur = e.session(t, s.SessionID)
	assert.Equal(t, models.SessionFailed, cur.Status)

	steps := e.steps(t, s.SessionID)
	assert.Equal(t, models.StepRolledBack, steps[0].Status)
	assert.Equal(t, "ok", steps[0].RollbackResult)
	assert.True(t, steps[0].RollbackExecuted)
	assert.Equal(t, models.StepFailed, steps[1].Status)

	require.Len(t, e.terminal.statuses, 1)
	assert.Equal(t, models.SessionFailed, e.terminal.statuses[0])
}

func TestCancelBeforeExecution(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidatePerStep)
	ctx := context.Background()

	require.NoError(t, e.mgr.Cancel(ctx, "t1", s.SessionID, "duplicate ticket", "op"))
	assert.Equal(t, []int{0}, e.gate.cancelled)

	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionCancelled, cur.Status)

	// Terminal sessions refuse further cancels.
	err := e.mgr.Cancel(ctx, "t1", s.SessionID, "again", "op")
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestCancelRollsBackSucceededSteps(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)
	ctx := context.Background()

	e.claimAndReport(t, succeed()) // precheck, no rollback command

	// The restart step succeeds, then the operator cancels during the
	// postcheck. The succeeded restart is rolled back.
	e.claimAndReport(t, succeed())
	require.NoError(t, e.mgr.Cancel(ctx, "t1", s.SessionID, "wrong host", "op"))

	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionRollback, cur.Status)

	// The postcheck's queued message is still in the queue ahead of the
	// rollback; its result is recorded but the rollback owns the session.
	e.claimAndReport(t, succeed())

	msg := e.claimAndReport(t, succeed())
	assert.True(t, msg.Rollback)
	assert.Equal(t, 1, msg.StepIndex)

	cur = e.session(t, s.SessionID)
	assert.Equal(t, models.SessionCancelled, cur.Status)
	assert.Equal(t, models.StepRolledBack, e.steps(t, s.SessionID)[1].Status)
}

func TestWorkerLostPauseAndResume(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)
	ctx := context.Background()

	require.NoError(t, e.mgr.PauseWorkerLost(ctx, "t1", s.SessionID))
	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionPaused, cur.Status)
	assert.Equal(t, pauseWorkerLost, cur.PauseReason)

	// Pausing again is a no-op.
	require.NoError(t, e.mgr.PauseWorkerLost(ctx, "t1", s.SessionID))

	// The prior worker is offline; resuming clears the assignment.
	e.worker.State = models.WorkerOffline
	require.NoError(t, e.store.Global().UpdateWorker(ctx, e.worker))

	require.NoError(t, e.mgr.Resume(ctx, "t1", s.SessionID, "op"))
	cur = e.session(t, s.SessionID)
	assert.Empty(t, cur.WorkerID)
	assert.Empty(t, cur.PauseReason)

	// Resuming a session that is not paused fails.
	err := e.mgr.Resume(ctx, "t1", s.SessionID, "op")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not paused")
}

func TestRecordStepResult_WrongWorkerIsProtocolError(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)

	err := e.mgr.RecordStepResult(context.Background(), "t1", s.SessionID, 0, "w-intruder", succeed(), false)
	var pErr *ProtocolError
	require.ErrorAs(t, err, &pErr)

	cur := e.session(t, s.SessionID)
	assert.Equal(t, models.SessionPaused, cur.Status)
	assert.Equal(t, pauseProtocolError, cur.PauseReason)
}

func TestRecordStepResult_NotRunningIsProtocolError(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)
	ctx := context.Background()

	e.claimAndReport(t, succeed())

	// Reporting the precheck a second time: it is already succeeded.
	err := e.mgr.RecordStepResult(ctx, "t1", s.SessionID, 0, "w-1", succeed(), false)
	var pErr *ProtocolError
	require.ErrorAs(t, err, &pErr)
}

func TestRecordStepResult_OutputMismatchFailsStep(t *testing.T) {
	e := newTestEnv(t)
	e.putRunbook(t, `
runbook_id: rb-check
version: 1.0.0
service: checkout
env: prod
risk: low
steps:
  - name: count rows
    command: "count rows"
    expected_output:
      kind: regex
      pattern: '\d+ rows'
`)

	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-check", RunbookVersion: "1.0.0",
		Mode: models.ValidateCriticalOnly, Actor: "op",
	})
	require.NoError(t, err)

	mismatch := false
	res := succeed()
	res.OutputMatch = &mismatch
	e.claimAndReport(t, res)

	steps := e.steps(t, s.SessionID)
	assert.Equal(t, models.StepFailed, steps[0].Status)
	assert.Equal(t, models.ErrKindConnectorPermanent, steps[0].ErrorKind)
	assert.Contains(t, steps[0].FailReason, "did not match")
	assert.Equal(t, models.SessionFailed, e.session(t, s.SessionID).Status)
}

func TestManualStepFlow(t *testing.T) {
	e := newTestEnv(t)
	e.putRunbook(t, `
runbook_id: rb-manual
version: 1.0.0
service: checkout
env: prod
risk: low
steps:
  - name: pull plug
    type: manual
  - name: confirm
    command: "uptime"
`)

	s, err := e.mgr.CreateSession(context.Background(), CreateRequest{
		TenantID: "t1", TicketID: "tk-1", RunbookID: "rb-manual", RunbookVersion: "1.0.0",
		Mode: models.ValidateCriticalOnly, Actor: "op",
	})
	require.NoError(t, err)
	ctx := context.Background()

	// The manual step is running as an acknowledgment wait; nothing was
	// enqueued for it.
	steps := e.steps(t, s.SessionID)
	assert.Equal(t, models.StepRunning, steps[0].Status)
	assert.Empty(t, steps[0].Command)
	pending, err := e.store.Global().PendingForSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	require.NoError(t, e.mgr.AcknowledgeManualStep(ctx, "t1", s.SessionID, 0, "op"))

	// The following command step is dispatched; acknowledging it is refused.
	err = e.mgr.AcknowledgeManualStep(ctx, "t1", s.SessionID, 1, "op")
	assert.ErrorIs(t, err, ErrNotManualStep)

	e.claimAndReport(t, succeed())
	assert.Equal(t, models.SessionCompleted, e.session(t, s.SessionID).Status)
}

func TestHILModeGatesFirstStep(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Execution.Mode = models.ModeHIL })
	s := e.create(t, models.ValidateCriticalOnly)

	assert.Equal(t, models.SessionWaitingForApproval, s.Status)
	assert.Equal(t, 0, s.ApprovalStepIndex)
}

func TestNoEligibleWorkerParksInAssigning(t *testing.T) {
	e := newTestEnv(t)
	e.worker.State = models.WorkerOffline
	require.NoError(t, e.store.Global().UpdateWorker(context.Background(), e.worker))

	s := e.create(t, models.ValidateCriticalOnly)
	assert.Equal(t, models.SessionAssigning, s.Status)
	assert.Empty(t, s.WorkerID)
}

func TestClaimStep_SecondWorkerRefused(t *testing.T) {
	e := newTestEnv(t)
	s := e.create(t, models.ValidateCriticalOnly)
	ctx := context.Background()

	other := &models.AgentWorker{
		WorkerID:        "w-2",
		TenantScope:     []string{"*"},
		Capabilities:    []models.ConnectorKind{models.ConnectorSSH},
		MaxLoad:         5,
		State:           models.WorkerIdle,
		LastHeartbeatAt: time.Now(),
	}
	require.NoError(t, e.store.Global().RegisterWorker(ctx, other))

	err := e.mgr.ClaimStep(ctx, "t1", s.SessionID, 0, "w-2")
	var pErr *ProtocolError
	require.ErrorAs(t, err, &pErr)

	// Once the assignee is offline, the claim may move.
	e.worker.State = models.WorkerOffline
	require.NoError(t, e.store.Global().UpdateWorker(ctx, e.worker))
	require.NoError(t, e.mgr.ClaimStep(ctx, "t1", s.SessionID, 0, "w-2"))
	assert.Equal(t, "w-2", e.session(t, s.SessionID).WorkerID)
}

func TestRequiresApproval_Modes(t *testing.T) {
	e := newTestEnv(t)
	steps := []models.ExecutionStep{
		{StepIndex: 0, Phase: models.PhasePrecheck},
		{StepIndex: 1, Phase: models.PhaseMain},
		{StepIndex: 2, Phase: models.PhaseMain, Destructive: true},
		{StepIndex: 3, Phase: models.PhasePostcheck},
	}

	perPhase := &models.ExecutionSession{Mode: models.ValidatePerPhase}
	assert.True(t, e.mgr.requiresApproval(perPhase, steps, 0))
	assert.True(t, e.mgr.requiresApproval(perPhase, steps, 1))
	assert.False(t, e.mgr.requiresApproval(perPhase, steps, 2))
	assert.True(t, e.mgr.requiresApproval(perPhase, steps, 3))

	critical := &models.ExecutionSession{Mode: models.ValidateCriticalOnly}
	assert.False(t, e.mgr.requiresApproval(critical, steps, 0))
	assert.True(t, e.mgr.requiresApproval(critical, steps, 2))

	finalOnly := &models.ExecutionSession{Mode: models.ValidateFinalOnly}
	assert.False(t, e.mgr.requiresApproval(finalOnly, steps, 0))
	assert.True(t, e.mgr.requiresApproval(finalOnly, steps, 3))

	perStep := &models.ExecutionSession{Mode: models.ValidatePerStep}
	for i := range steps {
		assert.True(t, e.mgr.requiresApproval(perStep, steps, i))
	}
}
