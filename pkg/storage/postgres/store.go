// Package postgres implements the storage boundary over PostgreSQL.
//
// Tenant isolation is enforced in the database: every tenant-scoped
// operation runs in a transaction that sets the app.tenant_id GUC, and row
// level security policies on the tenant-owned tables filter on it. A query
// issued without the GUC matches no rows.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Store implements storage.Store over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Tenant returns the row-scoped boundary for one tenant.
func (s *Store) Tenant(tenantID string) storage.TenantStore {
	return &tenantStore{pool: s.pool, tenant: tenantID}
}

// Global returns the cross-tenant boundary.
func (s *Store) Global() storage.GlobalStore {
	return &globalStore{pool: s.pool}
}

// inTenantTx runs fn in a transaction with the tenant GUC set. SET LOCAL
// scopes the setting to the transaction, so pooled connections never leak
// a tenant context.
func inTenantTx(ctx context.Context, pool *pgxpool.Pool, tenant string, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenant); err != nil {
		return fmt.Errorf("setting tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on the named index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// mapNoRows converts pgx.ErrNoRows to the storage sentinel.
func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
