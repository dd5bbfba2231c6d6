package memory

import (
	"context"
	"sort"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// globalStore implements storage.GlobalStore.
type globalStore struct {
	root *Store
}

func (g *globalStore) RegisterWorker(_ context.Context, w *models.AgentWorker) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	g.root.workers[w.WorkerID] = copyWorker(w)
	return nil
}

func (g *globalStore) GetWorker(_ context.Context, workerID string) (*models.AgentWorker, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	w, ok := g.root.workers[workerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWorker(w), nil
}

func (g *globalStore) UpdateWorker(_ context.Context, w *models.AgentWorker) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	if _, ok := g.root.workers[w.WorkerID]; !ok {
		return storage.ErrNotFound
	}
	g.root.workers[w.WorkerID] = copyWorker(w)
	return nil
}

func (g *globalStore) Heartbeat(_ context.Context, workerID string, load int, at time.Time) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	w, ok := g.root.workers[workerID]
	if !ok {
		return storage.ErrNotFound
	}
	w.CurrentLoad = load
	w.LastHeartbeatAt = at
	if w.State == models.WorkerOffline {
		w.State = models.WorkerIdle
	}
	return nil
}

func (g *globalStore) ListWorkers(_ context.Context) ([]*models.AgentWorker, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	out := make([]*models.AgentWorker, 0, len(g.root.workers))
	for _, w := range g.root.workers {
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (g *globalStore) StaleWorkers(_ context.Context, cutoff time.Time) ([]*models.AgentWorker, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	var out []*models.AgentWorker
	for _, w := range g.root.workers {
		if w.State != models.WorkerOffline && w.LastHeartbeatAt.Before(cutoff) {
			out = append(out, copyWorker(w))
		}
	}
	return out, nil
}

func (g *globalStore) ActiveSessionsForWorker(_ context.Context, workerID string) ([]storage.SessionRef, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	var out []storage.SessionRef
	for _, s := range g.root.sessions {
		if s.WorkerID == workerID && !s.Status.Terminal() {
			out = append(out, storage.SessionRef{TenantID: s.TenantID, SessionID: s.SessionID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (g *globalStore) Enqueue(_ context.Context, msg *storage.CommandMessage) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	m := copyMessage(msg)
	m.Status = storage.MessagePending
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	g.root.queue = append(g.root.queue, m)
	return nil
}

// ClaimNext scans the queue in enqueue order (FIFO within a session
// partition falls out of the scan order: an older message for a session is
// always seen first) and claims the first eligible message.
func (g *globalStore) ClaimNext(_ context.Context, w *models.AgentWorker, now time.Time) (*storage.CommandMessage, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()

	claimedSessions := make(map[string]bool)
	for _, m := range g.root.queue {
		if m.Status == storage.MessageClaimed {
			claimedSessions[m.SessionID] = true
		}
	}

	for _, m := range g.root.queue {
		if m.Status != storage.MessagePending {
			continue
		}
		if claimedSessions[m.SessionID] {
			// One-assignee invariant: never two in-flight steps per session.
			continue
		}
		if !w.CanServe(m.TenantID, m.Kind) {
			continue
		}
		m.Status = storage.MessageClaimed
		m.ClaimedBy = w.WorkerID
		claimed := now
		m.ClaimedAt = &claimed
		m.Attempts++
		return copyMessage(m), nil
	}
	return nil, storage.ErrNoMessages
}

func (g *globalStore) Ack(_ context.Context, messageID, workerID string) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	for _, m := range g.root.queue {
		if m.MessageID == messageID {
			if m.ClaimedBy != workerID || m.Status != storage.MessageClaimed {
				return storage.ErrNotFound
			}
			m.Status = storage.MessageAcked
			return nil
		}
	}
	return storage.ErrNotFound
}

func (g *globalStore) Nak(_ context.Context, messageID, workerID, reason string) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	for _, m := range g.root.queue {
		if m.MessageID == messageID {
			if m.ClaimedBy != workerID || m.Status != storage.MessageClaimed {
				return storage.ErrNotFound
			}
			m.Status = storage.MessageNakked
			m.NakReason = reason
			return nil
		}
	}
	return storage.ErrNotFound
}

func (g *globalStore) ExtendClaim(_ context.Context, messageID, workerID string, now time.Time) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	for _, m := range g.root.queue {
		if m.MessageID == messageID {
			if m.ClaimedBy != workerID || m.Status != storage.MessageClaimed {
				return storage.ErrNotFound
			}
			renewed := now
			m.ClaimedAt = &renewed
			return nil
		}
	}
	return storage.ErrNotFound
}

func (g *globalStore) RequeueExpired(_ context.Context, ackWindow time.Duration, now time.Time) (int, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	n := 0
	for _, m := range g.root.queue {
		if m.Status == storage.MessageClaimed && m.ClaimedAt != nil && now.Sub(*m.ClaimedAt) > ackWindow {
			m.Status = storage.MessagePending
			m.ClaimedBy = ""
			m.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (g *globalStore) PendingForSession(_ context.Context, sessionID string) (int, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	n := 0
	for _, m := range g.root.queue {
		if m.SessionID == sessionID && (m.Status == storage.MessagePending || m.Status == storage.MessageClaimed) {
			n++
		}
	}
	return n, nil
}

func (g *globalStore) RecordNonce(_ context.Context, nonce string, expiresAt time.Time) error {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	if exp, ok := g.root.nonces[nonce]; ok && exp.After(time.Now()) {
		return storage.ErrDuplicateNonce
	}
	g.root.nonces[nonce] = expiresAt
	return nil
}

func (g *globalStore) PurgeExpiredNonces(_ context.Context, now time.Time) (int, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	n := 0
	for nonce, exp := range g.root.nonces {
		if exp.Before(now) {
			delete(g.root.nonces, nonce)
			n++
		}
	}
	return n, nil
}

func (g *globalStore) DeleteEventsBefore(_ context.Context, kind string, cutoff time.Time) (int, error) {
	g.root.mu.Lock()
	defer g.root.mu.Unlock()
	n := 0
	for sessionID, events := range g.root.events {
		kept := events[:0]
		for _, e := range events {
			if e.Kind == kind && e.Timestamp.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		g.root.events[sessionID] = kept
	}
	return n, nil
}
