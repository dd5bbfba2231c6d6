// Package cleanup enforces event retention. Expired events are deleted per
// kind on a fixed interval; the audit log is never touched.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Service periodically deletes events past their per-kind retention.
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	cfg   config.EventsConfig
	store storage.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.EventsConfig, store storage.Store) *Service {
	return &Service{cfg: cfg, store: store}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.interval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) interval() time.Duration {
	if s.cfg.CleanupInterval > 0 {
		return s.cfg.CleanupInterval
	}
	return time.Hour
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes expired events for every known event kind.
func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	for _, kind := range models.EventKinds() {
		cutoff := now.Add(-s.cfg.RetentionFor(kind))
		count, err := s.store.Global().DeleteEventsBefore(ctx, kind, cutoff)
		if err != nil {
			slog.Error("Retention: deleting expired events failed", "kind", kind, "error", err)
			continue
		}
		if count > 0 {
			slog.Info("Retention: deleted expired events", "kind", kind, "count", count)
		}
	}
}
