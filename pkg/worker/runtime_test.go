package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/connectors"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/policy"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/storage/memory"
)

func testRuntime(t *testing.T) (*Runtime, *memory.Store) {
	t.Helper()
	masker := masking.NewService(nil)
	store := memory.New()
	r := NewRuntime(
		config.QueueConfig{MaxLoad: 4},
		Options{WorkerID: "w-test", NetworkSegment: "production"},
		store, nil, nil,
		connectors.NewRegistry(config.ConnectorsConfig{}, masker),
		policy.NewEngine(), masker, nil, NewCancelRegistry(),
	)
	return r, store
}

func TestNewRuntime_Defaults(t *testing.T) {
	masker := masking.NewService(nil)
	r := NewRuntime(config.QueueConfig{MaxLoad: 2}, Options{}, memory.New(), nil, nil,
		connectors.NewRegistry(config.ConnectorsConfig{}, masker),
		policy.NewEngine(), masker, nil, NewCancelRegistry())

	assert.NotEmpty(t, r.WorkerID())
	assert.Equal(t, []string{"*"}, r.worker.TenantScope)
	assert.Equal(t, 2, r.worker.MaxLoad)
	assert.Equal(t, models.WorkerIdle, r.worker.State)
	// Capabilities mirror the registered connector set.
	assert.Len(t, r.worker.Capabilities, 7)
}

func TestCancelRegistry(t *testing.T) {
	reg := NewCancelRegistry()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	reg.Track("s-1", 0, cancel1)
	reg.Track("s-1", 1, cancel2)
	assert.Equal(t, 2, reg.Active())

	// Cancelling an untracked step is a no-op.
	reg.RequestCancel("s-other", 9)
	assert.NoError(t, ctx1.Err())

	reg.RequestCancel("s-1", 0)
	assert.ErrorIs(t, ctx1.Err(), context.Canceled)
	assert.NoError(t, ctx2.Err())

	reg.Untrack("s-1", 0)
	reg.Untrack("s-1", 1)
	assert.Zero(t, reg.Active())
}

func TestShouldRetry(t *testing.T) {
	r, _ := testRuntime(t)

	msg := &storage.CommandMessage{}
	session := &models.ExecutionSession{BlastRadius: models.BlastLow}
	step := &models.ExecutionStep{Idempotent: true, RetryAttempts: 1}
	transient := &connectors.Result{ErrorKind: models.ErrKindConnectorTransient}

	assert.True(t, r.shouldRetry(msg, session, step, transient, 0))

	// Attempt budget exhausted.
	assert.False(t, r.shouldRetry(msg, session, step, transient, 1))

	// Rollback commands never retry.
	assert.False(t, r.shouldRetry(&storage.CommandMessage{Rollback: true}, session, step, transient, 0))

	// Only transient error kinds retry.
	permanent := &connectors.Result{ErrorKind: models.ErrKindConnectorPermanent}
	assert.False(t, r.shouldRetry(msg, session, step, permanent, 0))
	timeout := &connectors.Result{ErrorKind: models.ErrKindTimeout}
	assert.False(t, r.shouldRetry(msg, session, step, timeout, 0))

	// Non-idempotent and destructive steps never retry.
	assert.False(t, r.shouldRetry(msg, session, &models.ExecutionStep{RetryAttempts: 1}, transient, 0))
	assert.False(t, r.shouldRetry(msg, session,
		&models.ExecutionStep{Idempotent: true, Destructive: true, RetryAttempts: 1}, transient, 0))

	// High and destructive blast radii never retry.
	high := &models.ExecutionSession{BlastRadius: models.BlastHigh}
	assert.False(t, r.shouldRetry(msg, high, step, transient, 0))
}

func TestFinishResult_MasksAndMatches(t *testing.T) {
	r, _ := testRuntime(t)

	res := &connectors.Result{
		Success:  true,
		ExitCode: 0,
		Stdout:   "42 rows affected password=hunter2",
		Stderr:   "token: abc123def",
		Duration: 1500 * time.Millisecond,
	}
	msg := &storage.CommandMessage{
		ExpectedOutput: &runbook.OutputMatcher{Kind: runbook.MatchRegex, Pattern: `\d+ rows`},
	}

	out := r.finishResult(msg, res)
	assert.True(t, out.Success)
	assert.NotContains(t, out.Stdout, "hunter2")
	assert.NotContains(t, out.Stderr, "abc123def")
	assert.Equal(t, int64(1500), out.DurationMS)
	require.NotNil(t, out.OutputMatch)
	assert.True(t, *out.OutputMatch)

	// The matcher runs against masked output.
	miss := r.finishResult(msg, &connectors.Result{Success: true, Stdout: "no data"})
	require.NotNil(t, miss.OutputMatch)
	assert.False(t, *miss.OutputMatch)

	// Failed results and dry runs skip the matcher.
	failed := r.finishResult(msg, &connectors.Result{Success: false, Stdout: "42 rows"})
	assert.Nil(t, failed.OutputMatch)
	dry := r.finishResult(&storage.CommandMessage{
		DryRun: true, ExpectedOutput: msg.ExpectedOutput,
	}, &connectors.Result{Success: true, Stdout: "[dry-run]"})
	assert.Nil(t, dry.OutputMatch)

	// No matcher, no verdict.
	plain := r.finishResult(&storage.CommandMessage{}, &connectors.Result{Success: true})
	assert.Nil(t, plain.OutputMatch)
}

func TestCheckPolicy(t *testing.T) {
	r, store := testRuntime(t)
	ctx := context.Background()
	require.NoError(t, store.Tenant("t1").PutConnection(ctx, &models.InfrastructureConnection{
		Name: "app-1-ssh", TenantID: "t1", Kind: models.ConnectorSSH, Host: "app-1",
	}))

	msg := &storage.CommandMessage{
		TenantID: "t1",
		Command:  "rm -rf /",
		Target:   models.InfrastructureConnection{Kind: models.ConnectorSSH, Host: "app-1"},
	}
	session := &models.ExecutionSession{BlastRadius: models.BlastMedium}

	// Destructive lexicon hit on an unmarked step: denied.
	v := r.checkPolicy(ctx, msg, session, &models.ExecutionStep{})
	require.NotNil(t, v)
	assert.Equal(t, policy.Deny, v.Decision)

	// Marked destructive and unapproved: blocked pending two-person.
	v = r.checkPolicy(ctx, msg, session, &models.ExecutionStep{Destructive: true})
	require.NotNil(t, v)
	assert.Equal(t, policy.RequireTwoPerson, v.Decision)

	// Approval recorded on the step satisfies the verdict.
	v = r.checkPolicy(ctx, msg, session, &models.ExecutionStep{Destructive: true, ApprovedBy: "lead"})
	assert.Nil(t, v)

	// Benign command against a registered target passes outright.
	benign := &storage.CommandMessage{
		TenantID: "t1", Command: "uptime",
		Target: models.InfrastructureConnection{Kind: models.ConnectorSSH, Host: "app-1"},
	}
	v = r.checkPolicy(ctx, benign, session, &models.ExecutionStep{})
	assert.Nil(t, v)

	// Egress to a host the tenant never registered is refused.
	v = r.checkPolicy(ctx, &storage.CommandMessage{
		TenantID: "t1", Command: "uptime",
		Target: models.InfrastructureConnection{Kind: models.ConnectorSSH, Host: "rogue-host"},
	}, session, &models.ExecutionStep{})
	require.NotNil(t, v)
	assert.Equal(t, policy.Deny, v.Decision)
	assert.Equal(t, "registered_egress", v.Rule)
}

func TestProcess_DuplicateDeliveryNotReExecuted(t *testing.T) {
	r, store := testRuntime(t)
	ctx := context.Background()
	tenant := store.Tenant("t1")

	require.NoError(t, tenant.CreateSession(ctx, &models.ExecutionSession{
		SessionID:      "s-1",
		TenantID:       "t1",
		TicketID:       "tk-1",
		RunbookID:      "rb-1",
		Status:         models.SessionExecuting,
		IdempotencyKey: "idem-1",
		CreatedAt:      time.Now(),
	}, []models.ExecutionStep{{
		SessionID: "s-1",
		StepIndex: 0,
		Name:      "restart",
		Command:   "systemctl restart app",
		Status:    models.StepSucceeded,
	}}))

	g := store.Global()
	require.NoError(t, g.Enqueue(ctx, &storage.CommandMessage{
		MessageID:      "m-1",
		TenantID:       "t1",
		SessionID:      "s-1",
		StepIndex:      0,
		IdempotencyKey: "s-1/0",
		Kind:           models.ConnectorSSH,
		Command:        "systemctl restart app",
	}))
	msg, err := g.ClaimNext(ctx, r.worker, time.Now())
	require.NoError(t, err)

	// The runtime here has no manager or broker wired; reaching execution
	// would dereference them. A recorded outcome must short-circuit first.
	r.process(ctx, msg)

	step, err := tenant.GetStep(ctx, "s-1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.StepSucceeded, step.Status)

	// The duplicate is acked, not left for another redelivery.
	_, err = g.ClaimNext(ctx, r.worker, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)

	// Rollback deliveries key on the rollback fields, not the step status.
	rb := &storage.CommandMessage{TenantID: "t1", SessionID: "s-1", StepIndex: 0, Rollback: true}
	assert.False(t, r.outcomeRecorded(ctx, rb))
	step.RollbackExecuted = true
	require.NoError(t, tenant.UpdateStep(ctx, step))
	assert.True(t, r.outcomeRecorded(ctx, rb))
}

func TestRenewClaim_KeepsLeaseOutOfRedeliveryScan(t *testing.T) {
	r, store := testRuntime(t)
	r.cfg.AckWindow = 200 * time.Millisecond
	ctx := context.Background()
	g := store.Global()

	require.NoError(t, g.Enqueue(ctx, &storage.CommandMessage{
		MessageID:      "m-1",
		TenantID:       "t1",
		SessionID:      "s-1",
		StepIndex:      0,
		IdempotencyKey: "s-1/0",
		Kind:           models.ConnectorSSH,
		Command:        "uptime",
	}))
	msg, err := g.ClaimNext(ctx, r.worker, time.Now())
	require.NoError(t, err)

	renewCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.renewClaim(renewCtx, msg, slog.Default())
	}()

	// Well past the original claim the lease stays fresh and the scan
	// leaves the message claimed.
	deadline := time.Now().Add(3 * r.cfg.AckWindow)
	for time.Now().Before(deadline) {
		n, err := g.RequeueExpired(ctx, r.cfg.AckWindow, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
		time.Sleep(10 * time.Millisecond)
	}

	stop()
	<-done

	// Once renewal stops the ack window applies again.
	require.Eventually(t, func() bool {
		n, err := g.RequeueExpired(ctx, r.cfg.AckWindow, time.Now())
		return err == nil && n == 1
	}, time.Second, 20*time.Millisecond)
}

func TestJitteredPoll(t *testing.T) {
	r, _ := testRuntime(t)
	r.cfg.PollInterval = 200 * time.Millisecond

	// No jitter configured: the base interval comes back untouched.
	assert.Equal(t, 200*time.Millisecond, r.jitteredPoll())

	r.cfg.PollIntervalJitter = 50 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := r.jitteredPoll()
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
