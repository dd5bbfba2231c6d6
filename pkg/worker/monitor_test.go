package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/storage/memory"
)

func testMonitor(t *testing.T, cfg config.QueueConfig) (*Monitor, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := events.NewBus(store, nil, nil)
	manager := sessions.NewManager(store, bus, &config.Config{})
	return NewMonitor(cfg, store, manager), store
}

func monitorWorker(id string, heartbeat time.Time) *models.AgentWorker {
	return &models.AgentWorker{
		WorkerID:        id,
		TenantScope:     []string{"*"},
		Capabilities:    []models.ConnectorKind{models.ConnectorSSH},
		MaxLoad:         5,
		State:           models.WorkerExecuting,
		LastHeartbeatAt: heartbeat,
		RegisteredAt:    heartbeat,
	}
}

func monitorSession(tenantID, sessionID, workerID string, status models.SessionStatus) *models.ExecutionSession {
	return &models.ExecutionSession{
		SessionID:      sessionID,
		TenantID:       tenantID,
		TicketID:       "tk-" + sessionID,
		RunbookID:      "rb-1",
		WorkerID:       workerID,
		Status:         status,
		IdempotencyKey: "idem-" + sessionID,
		CreatedAt:      time.Now(),
	}
}

func TestOrphanScan(t *testing.T) {
	m, store := testMonitor(t, config.QueueConfig{HeartbeatTimeout: time.Minute})
	ctx := context.Background()

	lost := monitorWorker("w-lost", time.Now().Add(-5*time.Minute))
	live := monitorWorker("w-live", time.Now())
	require.NoError(t, store.Global().RegisterWorker(ctx, lost))
	require.NoError(t, store.Global().RegisterWorker(ctx, live))

	tenant := store.Tenant("t1")
	require.NoError(t, tenant.CreateSession(ctx, monitorSession("t1", "s-run", "w-lost", models.SessionExecuting), nil))
	require.NoError(t, tenant.CreateSession(ctx, monitorSession("t1", "s-done", "w-lost", models.SessionCompleted), nil))
	require.NoError(t, tenant.CreateSession(ctx, monitorSession("t1", "s-live", "w-live", models.SessionExecuting), nil))

	m.orphanScan(ctx)

	w, err := store.Global().GetWorker(ctx, "w-lost")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, w.State)

	w, err = store.Global().GetWorker(ctx, "w-live")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerExecuting, w.State)

	s, err := tenant.GetSession(ctx, "s-run")
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, s.Status)
	assert.Equal(t, "worker_lost", s.PauseReason)

	s, err = tenant.GetSession(ctx, "s-done")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)

	s, err = tenant.GetSession(ctx, "s-live")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExecuting, s.Status)

	// A second scan sees no stale workers and leaves everything alone.
	m.orphanScan(ctx)
	s, err = tenant.GetSession(ctx, "s-run")
	require.NoError(t, err)
	assert.Equal(t, "worker_lost", s.PauseReason)
}

func TestRedeliveryScan(t *testing.T) {
	m, store := testMonitor(t, config.QueueConfig{AckWindow: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.Global().Enqueue(ctx, &storage.CommandMessage{
		MessageID: "m1", TenantID: "t1", SessionID: "s-1",
		IdempotencyKey: "s-1/0", Kind: models.ConnectorSSH, Command: "uptime",
	}))

	w := monitorWorker("w-1", time.Now())
	claimed, err := store.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	require.Equal(t, "m1", claimed.MessageID)

	// Inside the ack window the claim stands.
	m.redeliveryScan(ctx)
	_, err = store.Global().ClaimNext(ctx, w, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)

	time.Sleep(40 * time.Millisecond)
	m.redeliveryScan(ctx)

	redelivered, err := store.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m1", redelivered.MessageID)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestNonceScan(t *testing.T) {
	m, store := testMonitor(t, config.QueueConfig{})
	ctx := context.Background()

	require.NoError(t, store.Global().RecordNonce(ctx, "n-old", time.Now().Add(-time.Minute)))
	require.NoError(t, store.Global().RecordNonce(ctx, "n-new", time.Now().Add(time.Hour)))

	m.nonceScan(ctx)

	// The purged nonce is usable again; the live one still blocks replay.
	assert.NoError(t, store.Global().RecordNonce(ctx, "n-old", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, store.Global().RecordNonce(ctx, "n-new", time.Now().Add(time.Hour)),
		storage.ErrDuplicateNonce)
}
