// Package credentials implements the credential broker. Workers never see
// raw secrets: the broker fetches material from the secrets store on
// demand, parks it in a dedicated holder child process with memory
// locking, and hands out short-lived handles. Release or expiry zeroes
// the material; rotation invalidates every outstanding handle for the
// rotated reference.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/remedy/pkg/config"
)

// Handle lifecycle errors.
var (
	ErrHandleReleased        = errors.New("credential handle already released")
	ErrHandleExpired         = errors.New("credential handle expired")
	ErrCredentialInvalidated = errors.New("credential invalidated by rotation")
)

// Material is what the secrets store returns for one reference. Secret is
// the sensitive part; the rest is safe to keep in the handle.
type Material struct {
	Kind     string // "password", "private_key", "token"
	Username string
	Version  string
	Secret   []byte
}

// Source fetches credential material from the backing store.
type Source interface {
	Lookup(ctx context.Context, ref string) (*Material, error)
}

// Handle is a lease on one fetched credential. The secret itself lives in
// a holder process; Use borrows it for the duration of one callback.
type Handle struct {
	ID        string
	Ref       string
	Kind      string
	Username  string
	Version   string
	ExpiresAt time.Time

	broker      *Broker
	invalidated bool // guarded by broker.mu
}

// Use borrows the secret. The callback must not retain the slice; it is
// zeroed when the callback returns.
func (h *Handle) Use(fn func(secret []byte) error) error {
	return h.broker.use(h, fn)
}

type lease struct {
	handle *Handle
	holder *holderProcess
	timer  *time.Timer
}

// Broker mediates between workers and the secrets store.
type Broker struct {
	cfg    config.CredentialsConfig
	source Source

	mu     sync.Mutex
	leases map[string]*lease   // handle ID → lease
	byRef  map[string][]string // credential ref → handle IDs
	closed bool
}

// NewBroker creates a broker over the given source. If source is nil a
// store client is built from the config.
func NewBroker(cfg config.CredentialsConfig, source Source) (*Broker, error) {
	if source == nil {
		var err error
		source, err = NewStoreClient(cfg)
		if err != nil {
			return nil, err
		}
	}
	return &Broker{
		cfg:    cfg,
		source: source,
		leases: make(map[string]*lease),
		byRef:  make(map[string][]string),
	}, nil
}

// Fetch obtains material for ref and returns a handle bounded by the
// configured TTL. The raw secret moves straight into a holder process and
// is zeroed in broker memory before Fetch returns.
func (b *Broker) Fetch(ctx context.Context, ref string) (*Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("credential broker closed")
	}
	b.mu.Unlock()

	mat, err := b.source.Lookup(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching credential %q: %w", ref, err)
	}

	holder, err := spawnHolder(mat.Secret)
	if err != nil {
		zero(mat.Secret)
		return nil, fmt.Errorf("isolating credential %q: %w", ref, err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Ref:       ref,
		Kind:      mat.Kind,
		Username:  mat.Username,
		Version:   mat.Version,
		ExpiresAt: time.Now().Add(b.cfg.TTL),
		broker:    b,
	}
	l := &lease{handle: h, holder: holder}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		holder.wipe()
		return nil, errors.New("credential broker closed")
	}
	b.leases[h.ID] = l
	b.byRef[ref] = append(b.byRef[ref], h.ID)
	// The lease is reclaimed unilaterally once TTL plus the release grace
	// window has passed, whether or not the worker released it.
	l.timer = time.AfterFunc(b.cfg.TTL+b.cfg.ReleaseGrace, func() {
		slog.Warn("Credential handle expired without release, reclaiming",
			"handle_id", h.ID, "ref", ref)
		b.Release(h)
	})
	b.mu.Unlock()

	return h, nil
}

// Release zeroes the material and drops the lease. Releasing an already
// released handle is a no-op.
func (b *Broker) Release(h *Handle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	l, ok := b.leases[h.ID]
	if ok {
		delete(b.leases, h.ID)
		b.dropRefIndex(h.Ref, h.ID)
		if l.timer != nil {
			l.timer.Stop()
		}
	}
	b.mu.Unlock()
	if ok {
		l.holder.wipe()
	}
}

// Invalidate revokes every outstanding handle for ref. Called when the
// secrets store reports a rotation. In-flight Use calls on revoked handles
// fail with ErrCredentialInvalidated.
func (b *Broker) Invalidate(ref string) int {
	b.mu.Lock()
	ids := b.byRef[ref]
	delete(b.byRef, ref)
	revoked := make([]*lease, 0, len(ids))
	for _, id := range ids {
		if l, ok := b.leases[id]; ok {
			l.handle.invalidated = true
			delete(b.leases, id)
			if l.timer != nil {
				l.timer.Stop()
			}
			revoked = append(revoked, l)
		}
	}
	b.mu.Unlock()

	for _, l := range revoked {
		l.holder.wipe()
	}
	if len(revoked) > 0 {
		slog.Info("Invalidated credential handles after rotation",
			"ref", ref, "count", len(revoked))
	}
	return len(revoked)
}

// ActiveLeases reports how many handles are outstanding.
func (b *Broker) ActiveLeases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leases)
}

// Close releases every outstanding lease.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	remaining := make([]*lease, 0, len(b.leases))
	for id, l := range b.leases {
		if l.timer != nil {
			l.timer.Stop()
		}
		delete(b.leases, id)
		remaining = append(remaining, l)
	}
	b.byRef = make(map[string][]string)
	b.mu.Unlock()

	for _, l := range remaining {
		l.holder.wipe()
	}
}

func (b *Broker) use(h *Handle, fn func(secret []byte) error) error {
	b.mu.Lock()
	if h.invalidated {
		b.mu.Unlock()
		return ErrCredentialInvalidated
	}
	l, ok := b.leases[h.ID]
	if !ok {
		b.mu.Unlock()
		return ErrHandleReleased
	}
	if time.Now().After(h.ExpiresAt) {
		b.mu.Unlock()
		return ErrHandleExpired
	}
	holder := l.holder
	b.mu.Unlock()

	return holder.use(fn)
}

// dropRefIndex removes one handle ID from the per-ref index. Caller holds
// the mutex.
func (b *Broker) dropRefIndex(ref, id string) {
	ids := b.byRef[ref]
	for i, v := range ids {
		if v == id {
			b.byRef[ref] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byRef[ref]) == 0 {
		delete(b.byRef, ref)
	}
}
