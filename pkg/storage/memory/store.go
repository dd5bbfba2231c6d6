// Package memory provides an in-memory storage.Store implementation. It
// backs unit tests and single-node development; semantics (tenant scoping,
// seq assignment, terminal-step immutability, queue claims) mirror the
// Postgres implementation.
package memory

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Store is the in-memory root. All state is guarded by one mutex; the
// operation granularity is coarse enough that contention is irrelevant at
// test and dev scale.
type Store struct {
	mu sync.Mutex

	sessions    map[string]*models.ExecutionSession          // session_id → session
	steps       map[string][]models.ExecutionStep            // session_id → steps ordered by index
	events      map[string][]models.ExecutionEvent           // session_id → events ordered by seq
	tickets     map[string]*models.Ticket                    // ticket_id → ticket
	runbooks    map[string]*runbook.Spec                     // runbook_id@version → spec
	runbookTen  map[string]string                            // runbook_id@version → tenant
	connections map[string][]models.InfrastructureConnection // tenant → connections
	idemKeys    map[string]string                            // tenant+"\x00"+key → session_id
	audit       map[string][]models.AuditEntry               // tenant → chain

	workers  map[string]*models.AgentWorker
	queue    []*storage.CommandMessage
	nonces   map[string]time.Time
	auditSeq int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*models.ExecutionSession),
		steps:       make(map[string][]models.ExecutionStep),
		events:      make(map[string][]models.ExecutionEvent),
		tickets:     make(map[string]*models.Ticket),
		runbooks:    make(map[string]*runbook.Spec),
		runbookTen:  make(map[string]string),
		connections: make(map[string][]models.InfrastructureConnection),
		idemKeys:    make(map[string]string),
		audit:       make(map[string][]models.AuditEntry),
		workers:     make(map[string]*models.AgentWorker),
		nonces:      make(map[string]time.Time),
	}
}

// Tenant returns the row-scoped boundary for one tenant.
func (s *Store) Tenant(tenantID string) storage.TenantStore {
	return &tenantStore{root: s, tenant: tenantID}
}

// Global returns the cross-tenant boundary.
func (s *Store) Global() storage.GlobalStore {
	return &globalStore{root: s}
}

func specKey(runbookID, version string) string {
	return runbookID + "@" + version
}

func idemKey(tenant, key string) string {
	return tenant + "\x00" + key
}

func copySession(s *models.ExecutionSession) *models.ExecutionSession {
	c := *s
	return &c
}

func copyWorker(w *models.AgentWorker) *models.AgentWorker {
	c := *w
	c.TenantScope = append([]string(nil), w.TenantScope...)
	c.Capabilities = append([]models.ConnectorKind(nil), w.Capabilities...)
	return &c
}

func copyMessage(m *storage.CommandMessage) *storage.CommandMessage {
	c := *m
	return &c
}
