package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Monitor is the control-plane side of worker liveness: it declares
// workers lost after a heartbeat timeout, pauses their orphaned sessions,
// returns expired message claims to the queue, and purges stale ingest
// nonces. One monitor runs per control-plane replica.
type Monitor struct {
	cfg     config.QueueConfig
	store   storage.Store
	manager *sessions.Manager

	nonceScanInterval time.Duration
}

// NewMonitor wires a monitor.
func NewMonitor(cfg config.QueueConfig, store storage.Store, manager *sessions.Manager) *Monitor {
	return &Monitor{
		cfg:               cfg,
		store:             store,
		manager:           manager,
		nonceScanInterval: time.Minute,
	}
}

// Run drives the scan loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(ctx, m.cfg.HeartbeatInterval, m.orphanScan) })
	g.Go(func() error { return m.loop(ctx, m.cfg.RedeliveryScanInterval, m.redeliveryScan) })
	g.Go(func() error { return m.loop(ctx, m.nonceScanInterval, m.nonceScan) })
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, scan func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			scan(ctx)
		}
	}
}

// orphanScan marks silent workers offline and pauses every non-terminal
// session they held. Paused sessions wait for an operator resume; there
// is no automatic reassignment.
func (m *Monitor) orphanScan(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	stale, err := m.store.Global().StaleWorkers(ctx, cutoff)
	if err != nil {
		slog.Error("Stale worker scan failed", "error", err)
		return
	}

	for _, w := range stale {
		w.State = models.WorkerOffline
		if err := m.store.Global().UpdateWorker(ctx, w); err != nil {
			slog.Error("Marking worker offline failed", "worker_id", w.WorkerID, "error", err)
			continue
		}
		slog.Warn("Worker lost, pausing its sessions",
			"worker_id", w.WorkerID, "last_heartbeat", w.LastHeartbeatAt)

		refs, err := m.store.Global().ActiveSessionsForWorker(ctx, w.WorkerID)
		if err != nil {
			slog.Error("Listing orphaned sessions failed", "worker_id", w.WorkerID, "error", err)
			continue
		}
		for _, ref := range refs {
			if err := m.manager.PauseWorkerLost(ctx, ref.TenantID, ref.SessionID); err != nil {
				slog.Error("Pausing orphaned session failed",
					"session_id", ref.SessionID, "error", err)
			}
		}
	}
}

// redeliveryScan returns claimed-but-unacked messages past the ack window
// to pending.
func (m *Monitor) redeliveryScan(ctx context.Context) {
	n, err := m.store.Global().RequeueExpired(ctx, m.cfg.AckWindow, time.Now())
	if err != nil {
		slog.Error("Redelivery scan failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Requeued expired message claims", "count", n)
	}
}

func (m *Monitor) nonceScan(ctx context.Context) {
	n, err := m.store.Global().PurgeExpiredNonces(ctx, time.Now())
	if err != nil {
		slog.Error("Nonce purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Purged expired webhook nonces", "count", n)
	}
}
