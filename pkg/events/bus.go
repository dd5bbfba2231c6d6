package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Notifier distributes a published event to other replicas. The Postgres
// implementation issues pg_notify; in single-node deployments it is nil and
// only the local ConnectionManager receives the event.
type Notifier interface {
	Notify(ctx context.Context, channel string, payload []byte) error
}

// Bus persists execution events and fans them out. Persist-before-deliver:
// the event is appended to the session log (which assigns the contiguous
// seq) before any subscriber sees it; a slow or absent subscriber never
// blocks the log.
type Bus struct {
	store    storage.Store
	manager  *ConnectionManager
	notifier Notifier
}

// NewBus creates an event bus. manager and notifier may be nil (no live
// delivery / single replica).
func NewBus(store storage.Store, manager *ConnectionManager, notifier Notifier) *Bus {
	return &Bus{store: store, manager: manager, notifier: notifier}
}

// Publish appends the event to the session log and broadcasts it. The
// returned event carries the assigned seq. Broadcast failures are logged,
// never propagated: persistence is the source of truth and reconnecting
// clients replay from their cursor.
func (b *Bus) Publish(ctx context.Context, tenantID string, e *models.ExecutionEvent) (*models.ExecutionEvent, error) {
	stored, err := b.store.Tenant(tenantID).AppendEvent(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("persisting event %s for session %s: %w", e.Kind, e.SessionID, err)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		slog.Error("Failed to marshal event for delivery",
			"session_id", stored.SessionID, "kind", stored.Kind, "error", err)
		return stored, nil
	}

	channel := SessionChannel(tenantID, stored.SessionID)
	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, channel, data); err != nil {
			slog.Warn("Cross-replica notify failed; local delivery only",
				"channel", channel, "error", err)
		}
	}
	if b.manager != nil {
		b.manager.Broadcast(channel, data)
	}
	return stored, nil
}

// PublishKind is a convenience wrapper building the event from parts.
// stepIndex < 0 means a session-level event.
func (b *Bus) PublishKind(ctx context.Context, tenantID, sessionID, kind string, stepIndex int, payload any) (*models.ExecutionEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
		}
		raw = data
	}
	e := &models.ExecutionEvent{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	if stepIndex >= 0 {
		idx := stepIndex
		e.StepIndex = &idx
	}
	return b.Publish(ctx, tenantID, e)
}
