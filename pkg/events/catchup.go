package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// StoreCatchupAdapter implements CatchupQuerier over the session event
// log. The channel name carries the tenant, so replay goes through the
// tenant-scoped store.
type StoreCatchupAdapter struct {
	store storage.Store
}

// NewStoreCatchupAdapter creates a CatchupQuerier backed by a Store.
func NewStoreCatchupAdapter(store storage.Store) *StoreCatchupAdapter {
	return &StoreCatchupAdapter{store: store}
}

// GetCatchupEvents returns events with seq > sinceSeq in seq order, each
// marshaled in the same shape live broadcasts use.
func (a *StoreCatchupAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]json.RawMessage, error) {
	tenantID, sessionID, err := ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	events, err := a.store.Tenant(tenantID).EventsSince(ctx, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("replaying events for %s: %w", channel, err)
	}

	out := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshaling event seq %d: %w", e.Seq, err)
		}
		out = append(out, data)
	}
	return out, nil
}
