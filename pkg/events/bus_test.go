package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage/memory"
)

func TestSessionChannel(t *testing.T) {
	ch := SessionChannel("acme", "1f0c")
	assert.Equal(t, "exec:acme:1f0c", ch)

	tenantID, sessionID, err := ParseChannel(ch)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "1f0c", sessionID)
}

func TestParseChannel_Malformed(t *testing.T) {
	for _, ch := range []string{"audit:acme:x", "exec:", "exec:acme", "exec::x", "exec:acme:"} {
		_, _, err := ParseChannel(ch)
		assert.Error(t, err, ch)
	}
}

func newEventStore(t *testing.T, sessionID string) *memory.Store {
	t.Helper()
	store := memory.New()
	err := store.Tenant("t1").CreateSession(context.Background(), &models.ExecutionSession{
		SessionID:      sessionID,
		TenantID:       "t1",
		TicketID:       "tk-1",
		RunbookID:      "rb-1",
		Status:         models.SessionExecuting,
		IdempotencyKey: "idem-" + sessionID,
		CreatedAt:      time.Now(),
	}, nil)
	require.NoError(t, err)
	return store
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Notify(context.Context, string, []byte) error {
	n.calls++
	return assert.AnError
}

func TestPublish_AssignsContiguousSeq(t *testing.T) {
	store := newEventStore(t, "s-1")
	bus := NewBus(store, nil, nil)

	for i := 1; i <= 3; i++ {
		stored, err := bus.Publish(context.Background(), "t1", &models.ExecutionEvent{
			SessionID: "s-1",
			Kind:      models.EventSessionCreated,
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), stored.Seq)
	}
}

func TestPublish_NotifierFailureDoesNotPropagate(t *testing.T) {
	store := newEventStore(t, "s-1")
	n := &failingNotifier{}
	bus := NewBus(store, nil, n)

	stored, err := bus.Publish(context.Background(), "t1", &models.ExecutionEvent{
		SessionID: "s-1",
		Kind:      models.EventSessionCreated,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)
	assert.Equal(t, 1, n.calls)
}

func TestPublish_UnknownSessionFails(t *testing.T) {
	bus := NewBus(memory.New(), nil, nil)
	_, err := bus.Publish(context.Background(), "t1", &models.ExecutionEvent{
		SessionID: "ghost",
		Kind:      models.EventSessionCreated,
		Timestamp: time.Now(),
	})
	require.Error(t, err)
}

func TestPublishKind(t *testing.T) {
	store := newEventStore(t, "s-1")
	bus := NewBus(store, nil, nil)

	stored, err := bus.PublishKind(context.Background(), "t1", "s-1",
		models.EventStepOutput, 2, StepOutputPayload{ChunkSeq: 1, Kind: "stdout", Data: "hi"})
	require.NoError(t, err)
	require.NotNil(t, stored.StepIndex)
	assert.Equal(t, 2, *stored.StepIndex)

	var payload StepOutputPayload
	require.NoError(t, json.Unmarshal(stored.Payload, &payload))
	assert.Equal(t, "hi", payload.Data)

	// Session-level events carry no step index.
	stored, err = bus.PublishKind(context.Background(), "t1", "s-1",
		models.EventSessionCompleted, -1, nil)
	require.NoError(t, err)
	assert.Nil(t, stored.StepIndex)
	assert.Empty(t, stored.Payload)
}

func TestStoreCatchupAdapter(t *testing.T) {
	store := newEventStore(t, "s-1")
	bus := NewBus(store, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.PublishKind(ctx, "t1", "s-1", models.EventStepOutput, i, nil)
		require.NoError(t, err)
	}

	adapter := NewStoreCatchupAdapter(store)

	replay, err := adapter.GetCatchupEvents(ctx, SessionChannel("t1", "s-1"), 2, 10)
	require.NoError(t, err)
	require.Len(t, replay, 3)

	var first models.ExecutionEvent
	require.NoError(t, json.Unmarshal(replay[0], &first))
	assert.Equal(t, int64(3), first.Seq)

	// Limit truncates the replay.
	replay, err = adapter.GetCatchupEvents(ctx, SessionChannel("t1", "s-1"), 0, 2)
	require.NoError(t, err)
	assert.Len(t, replay, 2)

	_, err = adapter.GetCatchupEvents(ctx, "bogus", 0, 10)
	require.Error(t, err)
}
