package matcher

import (
	"context"
	"log/slog"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// statsWindow bounds how much history one success-rate lookup reads.
const statsWindow = 200

// StoreStats derives runbook success rates from session history.
type StoreStats struct {
	store storage.Store
}

// NewStoreStats creates a store-backed Stats provider.
func NewStoreStats(store storage.Store) *StoreStats {
	return &StoreStats{store: store}
}

// SuccessRate returns completed / (completed + failed) over the most recent
// sessions of the runbook, or 0 when there is no terminal history.
func (s *StoreStats) SuccessRate(ctx context.Context, tenantID, runbookID string) float64 {
	list, _, err := s.store.Tenant(tenantID).ListSessions(ctx, storage.SessionFilters{
		RunbookID: runbookID,
		Limit:     statsWindow,
		SortDesc:  true,
	})
	if err != nil {
		slog.Warn("Success rate lookup failed", "runbook_id", runbookID, "error", err)
		return 0
	}

	completed, failed := 0, 0
	for _, sess := range list {
		switch sess.Status {
		case models.SessionCompleted:
			completed++
		case models.SessionFailed:
			failed++
		}
	}
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}
