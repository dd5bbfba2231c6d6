package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

func newSession(tenant, id string) *models.ExecutionSession {
	return &models.ExecutionSession{
		SessionID: id,
		TenantID:  tenant,
		TicketID:  "t-" + id,
		RunbookID: "rb-1",
		Status:    models.SessionQueued,
		CreatedAt: time.Now(),
	}
}

func testWorker(kinds ...models.ConnectorKind) *models.AgentWorker {
	if len(kinds) == 0 {
		kinds = []models.ConnectorKind{models.ConnectorSSH}
	}
	return &models.AgentWorker{
		WorkerID:     "w1",
		TenantScope:  []string{"*"},
		Capabilities: kinds,
		MaxLoad:      4,
		State:        models.WorkerIdle,
	}
}

func enqueue(t *testing.T, s *Store, sessionID, msgID string, kind models.ConnectorKind) {
	t.Helper()
	err := s.Global().Enqueue(context.Background(), &storage.CommandMessage{
		MessageID: msgID,
		TenantID:  "acme",
		SessionID: sessionID,
		Kind:      kind,
		Command:   "uptime",
	})
	require.NoError(t, err)
}

func TestQueue_FIFOWithinSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	enqueue(t, s, "sess-1", "m2", models.ConnectorSSH)
	enqueue(t, s, "sess-1", "m3", models.ConnectorSSH)

	for _, want := range []string{"m1", "m2", "m3"} {
		m, err := s.Global().ClaimNext(ctx, w, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, m.MessageID)
		require.NoError(t, s.Global().Ack(ctx, m.MessageID, w.WorkerID))
	}

	_, err := s.Global().ClaimNext(ctx, w, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)
}

func TestQueue_OneAssigneePerSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	enqueue(t, s, "sess-1", "m2", models.ConnectorSSH)
	enqueue(t, s, "sess-2", "m3", models.ConnectorSSH)

	m, err := s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.MessageID)

	// m2 is blocked while m1 is in flight; the other session is not.
	m, err = s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m3", m.MessageID)

	_, err = s.Global().ClaimNext(ctx, w, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)

	require.NoError(t, s.Global().Ack(ctx, "m1", w.WorkerID))
	m, err = s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m2", m.MessageID)
}

func TestQueue_CapabilityAndScopeFilter(t *testing.T) {
	s := New()
	ctx := context.Background()

	enqueue(t, s, "sess-1", "m1", models.ConnectorWinRM)

	// SSH-only worker cannot claim a WinRM message.
	_, err := s.Global().ClaimNext(ctx, testWorker(models.ConnectorSSH), time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)

	// Out-of-scope tenant cannot claim.
	scoped := testWorker(models.ConnectorWinRM)
	scoped.TenantScope = []string{"other-corp"}
	_, err = s.Global().ClaimNext(ctx, scoped, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)

	m, err := s.Global().ClaimNext(ctx, testWorker(models.ConnectorWinRM), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.MessageID)
}

func TestQueue_AckRequiresClaimant(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	_, err := s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Global().Ack(ctx, "m1", "imposter"), storage.ErrNotFound)
	assert.NoError(t, s.Global().Ack(ctx, "m1", w.WorkerID))
	// Double ack fails: the message is no longer claimed.
	assert.ErrorIs(t, s.Global().Ack(ctx, "m1", w.WorkerID), storage.ErrNotFound)
}

func TestQueue_RequeueExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	claimedAt := time.Now()
	m, err := s.Global().ClaimNext(ctx, w, claimedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Attempts)

	// Within the window nothing moves.
	n, err := s.Global().RequeueExpired(ctx, time.Minute, claimedAt.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Global().RequeueExpired(ctx, time.Minute, claimedAt.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Redelivery increments the attempt counter.
	m, err = s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.MessageID)
	assert.Equal(t, 2, m.Attempts)
}

func TestQueue_ExtendClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	claimedAt := time.Now()
	_, err := s.Global().ClaimNext(ctx, w, claimedAt)
	require.NoError(t, err)

	// Only the claimant may extend.
	assert.ErrorIs(t, s.Global().ExtendClaim(ctx, "m1", "imposter", claimedAt), storage.ErrNotFound)

	require.NoError(t, s.Global().ExtendClaim(ctx, "m1", w.WorkerID, claimedAt.Add(50*time.Second)))

	// The renewed lease keeps the message out of the redelivery scan past
	// the original claim's window.
	n, err := s.Global().RequeueExpired(ctx, time.Minute, claimedAt.Add(90*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Global().RequeueExpired(ctx, time.Minute, claimedAt.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Acked messages have no lease to extend.
	_, err = s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Global().Ack(ctx, "m1", w.WorkerID))
	assert.ErrorIs(t, s.Global().ExtendClaim(ctx, "m1", w.WorkerID, time.Now()), storage.ErrNotFound)
}

func TestQueue_Nak(t *testing.T) {
	s := New()
	ctx := context.Background()
	w := testWorker()

	enqueue(t, s, "sess-1", "m1", models.ConnectorSSH)
	_, err := s.Global().ClaimNext(ctx, w, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Global().Nak(ctx, "m1", w.WorkerID, "target unreachable"))

	// Nakked messages are not redelivered.
	_, err = s.Global().ClaimNext(ctx, w, time.Now())
	assert.ErrorIs(t, err, storage.ErrNoMessages)
}

func TestAppendEvent_ContiguousSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := s.Tenant("acme")

	require.NoError(t, tenant.CreateSession(ctx, newSession("acme", "sess-1"), nil))

	for i := 0; i < 5; i++ {
		e, err := tenant.AppendEvent(ctx, &models.ExecutionEvent{
			SessionID: "sess-1",
			Kind:      models.EventSessionWarning,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Seq)
	}

	evts, err := tenant.EventsSince(ctx, "sess-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, int64(3), evts[0].Seq)
	assert.Equal(t, int64(5), evts[2].Seq)
}

// Property: regardless of how appends are batched, the per-session event
// log is contiguous from 1 and EventsSince(cursor) returns exactly the
// suffix after the cursor.
func TestAppendEvent_SeqProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("seq contiguous and replay exact", prop.ForAll(
		func(count int, cursor int64) bool {
			s := New()
			ctx := context.Background()
			tenant := s.Tenant("acme")
			if err := tenant.CreateSession(ctx, newSession("acme", "sess-p"), nil); err != nil {
				return false
			}
			for i := 0; i < count; i++ {
				e, err := tenant.AppendEvent(ctx, &models.ExecutionEvent{
					SessionID: "sess-p", Kind: models.EventStepOutput,
				})
				if err != nil || e.Seq != int64(i+1) {
					return false
				}
			}
			evts, err := tenant.EventsSince(ctx, "sess-p", cursor, 0)
			if err != nil {
				return false
			}
			want := int64(count) - cursor
			if want < 0 {
				want = 0
			}
			if int64(len(evts)) != want {
				return false
			}
			for i, e := range evts {
				if e.Seq != cursor+int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.Int64Range(0, 50),
	))

	properties.TestingRun(t)
}

func TestTenantIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Tenant("acme").CreateSession(ctx, newSession("acme", "sess-1"), nil))

	// A different tenant boundary cannot see the row at all.
	_, err := s.Tenant("other").GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Tenant("other").ListSteps(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Tenant("other").EventsSince(ctx, "sess-1", 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, total, err := s.Tenant("other").ListSessions(ctx, storage.SessionFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, total)

	// Creating a row for a foreign tenant through the boundary is refused.
	err = s.Tenant("other").CreateSession(ctx, newSession("acme", "sess-2"), nil)
	assert.Error(t, err)
}

func TestCreateSession_IdempotencyKeyCollision(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := s.Tenant("acme")

	first := newSession("acme", "sess-1")
	first.IdempotencyKey = "abc123"
	require.NoError(t, tenant.CreateSession(ctx, first, nil))

	dup := newSession("acme", "sess-2")
	dup.IdempotencyKey = "abc123"
	err := tenant.CreateSession(ctx, dup, nil)

	var dupErr *storage.DuplicateIdempotencyKeyError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "sess-1", dupErr.ExistingSessionID)

	// Same key under another tenant is fine.
	other := newSession("globex", "sess-3")
	other.IdempotencyKey = "abc123"
	assert.NoError(t, s.Tenant("globex").CreateSession(ctx, other, nil))

	got, err := tenant.GetSessionByIdempotencyKey(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestUpdateStep_TerminalImmutability(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := s.Tenant("acme")

	steps := []models.ExecutionStep{{SessionID: "sess-1", StepIndex: 0, Name: "a", Status: models.StepPending}}
	require.NoError(t, tenant.CreateSession(ctx, newSession("acme", "sess-1"), steps))

	st, err := tenant.GetStep(ctx, "sess-1", 0)
	require.NoError(t, err)
	st.Status = models.StepSucceeded
	require.NoError(t, tenant.UpdateStep(ctx, st))

	// Succeeded may not become running again.
	st.Status = models.StepRunning
	assert.ErrorIs(t, tenant.UpdateStep(ctx, st), storage.ErrStepTerminal)

	// But the rollback transition is allowed.
	st.Status = models.StepRolledBack
	assert.NoError(t, tenant.UpdateStep(ctx, st))
}

func TestRecordNonce_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	exp := time.Now().Add(5 * time.Minute)
	require.NoError(t, s.Global().RecordNonce(ctx, "n1", exp))
	assert.ErrorIs(t, s.Global().RecordNonce(ctx, "n1", exp), storage.ErrDuplicateNonce)

	// Expired nonces can be reused after the purge.
	require.NoError(t, s.Global().RecordNonce(ctx, "n2", time.Now().Add(-time.Minute)))
	n, err := s.Global().PurgeExpiredNonces(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, s.Global().RecordNonce(ctx, "n2", exp))
}

func TestAppendAudit_HashChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := s.Tenant("acme")

	entries := make([]*models.AuditEntry, 3)
	for i := range entries {
		entries[i] = &models.AuditEntry{
			Actor:  "operator",
			Action: fmt.Sprintf("action-%d", i),
		}
		require.NoError(t, tenant.AppendAudit(ctx, entries[i]))
	}

	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	assert.NotEqual(t, entries[0].Hash, entries[1].Hash)
}

func TestStaleWorkersAndActiveSessions(t *testing.T) {
	s := New()
	ctx := context.Background()

	w := testWorker()
	w.LastHeartbeatAt = time.Now().Add(-5 * time.Minute)
	require.NoError(t, s.Global().RegisterWorker(ctx, w))

	sess := newSession("acme", "sess-1")
	sess.WorkerID = w.WorkerID
	sess.Status = models.SessionExecuting
	require.NoError(t, s.Tenant("acme").CreateSession(ctx, sess, nil))

	done := newSession("acme", "sess-2")
	done.WorkerID = w.WorkerID
	done.Status = models.SessionCompleted
	require.NoError(t, s.Tenant("acme").CreateSession(ctx, done, nil))

	stale, err := s.Global().StaleWorkers(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	refs, err := s.Global().ActiveSessionsForWorker(ctx, w.WorkerID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, storage.SessionRef{TenantID: "acme", SessionID: "sess-1"}, refs[0])
}
