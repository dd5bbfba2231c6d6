package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// tenantStore implements storage.TenantStore over the shared maps. Every
// read checks the row's tenant against the boundary's tenant; a mismatch is
// indistinguishable from absence.
type tenantStore struct {
	root   *Store
	tenant string
}

func (t *tenantStore) CreateSession(_ context.Context, s *models.ExecutionSession, steps []models.ExecutionStep) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	if s.TenantID != t.tenant {
		return fmt.Errorf("session tenant %q does not match boundary tenant %q", s.TenantID, t.tenant)
	}
	if s.IdempotencyKey != "" {
		if existing, ok := t.root.idemKeys[idemKey(t.tenant, s.IdempotencyKey)]; ok {
			return &storage.DuplicateIdempotencyKeyError{ExistingSessionID: existing}
		}
	}

	t.root.sessions[s.SessionID] = copySession(s)
	stored := make([]models.ExecutionStep, len(steps))
	copy(stored, steps)
	t.root.steps[s.SessionID] = stored
	if s.IdempotencyKey != "" {
		t.root.idemKeys[idemKey(t.tenant, s.IdempotencyKey)] = s.SessionID
	}
	return nil
}

func (t *tenantStore) GetSession(_ context.Context, sessionID string) (*models.ExecutionSession, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	s, ok := t.root.sessions[sessionID]
	if !ok || s.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}
	return copySession(s), nil
}

func (t *tenantStore) GetSessionByIdempotencyKey(_ context.Context, key string) (*models.ExecutionSession, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	id, ok := t.root.idemKeys[idemKey(t.tenant, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s, ok := t.root.sessions[id]
	if !ok || s.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}
	return copySession(s), nil
}

func (t *tenantStore) UpdateSession(_ context.Context, s *models.ExecutionSession) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	existing, ok := t.root.sessions[s.SessionID]
	if !ok || existing.TenantID != t.tenant {
		return storage.ErrNotFound
	}
	t.root.sessions[s.SessionID] = copySession(s)
	return nil
}

func (t *tenantStore) ListSessions(_ context.Context, f storage.SessionFilters) ([]*models.ExecutionSession, int, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	var all []*models.ExecutionSession
	for _, s := range t.root.sessions {
		if s.TenantID != t.tenant {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.TicketID != "" && s.TicketID != f.TicketID {
			continue
		}
		if f.RunbookID != "" && s.RunbookID != f.RunbookID {
			continue
		}
		all = append(all, copySession(s))
	}
	sort.Slice(all, func(i, j int) bool {
		if f.SortDesc {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			all = nil
		} else {
			all = all[f.Offset:]
		}
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (t *tenantStore) CountActiveSessions(_ context.Context) (int, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	n := 0
	for _, s := range t.root.sessions {
		if s.TenantID == t.tenant && !s.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (t *tenantStore) GetStep(_ context.Context, sessionID string, stepIndex int) (*models.ExecutionStep, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	steps, err := t.stepsLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if stepIndex < 0 || stepIndex >= len(steps) {
		return nil, storage.ErrNotFound
	}
	st := steps[stepIndex]
	return &st, nil
}

func (t *tenantStore) ListSteps(_ context.Context, sessionID string) ([]models.ExecutionStep, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	steps, err := t.stepsLocked(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ExecutionStep, len(steps))
	copy(out, steps)
	return out, nil
}

func (t *tenantStore) UpdateStep(_ context.Context, st *models.ExecutionStep) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	steps, err := t.stepsLocked(st.SessionID)
	if err != nil {
		return err
	}
	if st.StepIndex < 0 || st.StepIndex >= len(steps) {
		return storage.ErrNotFound
	}

	prev := steps[st.StepIndex]
	if (prev.Status == models.StepSucceeded || prev.Status == models.StepFailed) && st.Status != prev.Status {
		// Terminal steps may only move to rolled_back via the rollback path.
		if st.Status != models.StepRolledBack {
			return storage.ErrStepTerminal
		}
	}
	steps[st.StepIndex] = *st
	return nil
}

// stepsLocked returns the live step slice after a tenant check. Caller holds
// the lock.
func (t *tenantStore) stepsLocked(sessionID string) ([]models.ExecutionStep, error) {
	s, ok := t.root.sessions[sessionID]
	if !ok || s.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}
	return t.root.steps[sessionID], nil
}

func (t *tenantStore) AppendEvent(_ context.Context, e *models.ExecutionEvent) (*models.ExecutionEvent, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	s, ok := t.root.sessions[e.SessionID]
	if !ok || s.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}

	stored := *e
	stored.TenantID = t.tenant
	stored.Seq = s.LastEventSeq + 1
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	s.LastEventSeq = stored.Seq
	t.root.events[e.SessionID] = append(t.root.events[e.SessionID], stored)

	out := stored
	return &out, nil
}

func (t *tenantStore) EventsSince(_ context.Context, sessionID string, sinceSeq int64, limit int) ([]models.ExecutionEvent, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	s, ok := t.root.sessions[sessionID]
	if !ok || s.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}

	var out []models.ExecutionEvent
	for _, e := range t.root.events[sessionID] {
		if e.Seq > sinceSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tenantStore) CreateTicket(_ context.Context, tk *models.Ticket) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	if tk.TenantID != t.tenant {
		return fmt.Errorf("ticket tenant %q does not match boundary tenant %q", tk.TenantID, t.tenant)
	}
	c := *tk
	t.root.tickets[tk.TicketID] = &c
	return nil
}

func (t *tenantStore) GetTicket(_ context.Context, ticketID string) (*models.Ticket, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	tk, ok := t.root.tickets[ticketID]
	if !ok || tk.TenantID != t.tenant {
		return nil, storage.ErrNotFound
	}
	c := *tk
	return &c, nil
}

func (t *tenantStore) UpdateTicketStatus(_ context.Context, ticketID string, status models.TicketStatus) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	tk, ok := t.root.tickets[ticketID]
	if !ok || tk.TenantID != t.tenant {
		return storage.ErrNotFound
	}
	tk.Status = status
	tk.UpdatedAt = time.Now()
	return nil
}

func (t *tenantStore) PutRunbook(_ context.Context, spec *runbook.Spec) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	k := specKey(spec.RunbookID, spec.Version)
	c := *spec
	t.root.runbooks[k] = &c
	t.root.runbookTen[k] = t.tenant
	return nil
}

func (t *tenantStore) GetRunbook(_ context.Context, runbookID, version string) (*runbook.Spec, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	k := specKey(runbookID, version)
	spec, ok := t.root.runbooks[k]
	if !ok || t.root.runbookTen[k] != t.tenant {
		return nil, storage.ErrNotFound
	}
	c := *spec
	return &c, nil
}

func (t *tenantStore) ListRunbooks(_ context.Context, states ...runbook.ApprovalState) ([]*runbook.Spec, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	var out []*runbook.Spec
	for k, spec := range t.root.runbooks {
		if t.root.runbookTen[k] != t.tenant {
			continue
		}
		if len(states) > 0 {
			match := false
			for _, st := range states {
				if spec.State == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		c := *spec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunbookID < out[j].RunbookID })
	return out, nil
}

func (t *tenantStore) SetRunbookState(_ context.Context, runbookID, version string, state runbook.ApprovalState) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	k := specKey(runbookID, version)
	spec, ok := t.root.runbooks[k]
	if !ok || t.root.runbookTen[k] != t.tenant {
		return storage.ErrNotFound
	}
	spec.State = state
	if state == runbook.StateApproved {
		spec.ApprovedAt = time.Now()
	}
	return nil
}

func (t *tenantStore) PutConnection(_ context.Context, c *models.InfrastructureConnection) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	if c.TenantID != t.tenant {
		return fmt.Errorf("connection tenant %q does not match boundary tenant %q", c.TenantID, t.tenant)
	}
	conns := t.root.connections[t.tenant]
	for i, existing := range conns {
		if existing.Name == c.Name {
			conns[i] = *c
			return nil
		}
	}
	t.root.connections[t.tenant] = append(conns, *c)
	return nil
}

func (t *tenantStore) ListConnections(_ context.Context) ([]models.InfrastructureConnection, error) {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	conns := t.root.connections[t.tenant]
	out := make([]models.InfrastructureConnection, len(conns))
	copy(out, conns)
	return out, nil
}

func (t *tenantStore) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	chain := t.root.audit[t.tenant]
	prevHash := ""
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].Hash
	}

	t.root.auditSeq++
	stored := *entry
	stored.ID = t.root.auditSeq
	stored.TenantID = t.tenant
	stored.PrevHash = prevHash
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Hash = hashAuditEntry(&stored)
	t.root.audit[t.tenant] = append(chain, stored)

	*entry = stored
	return nil
}

// hashAuditEntry computes the chain hash over the entry's identifying
// fields plus the previous hash.
func hashAuditEntry(e *models.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.ID, e.TenantID, e.Actor, e.Action, e.SessionID, e.Detail, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
