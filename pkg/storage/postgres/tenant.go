package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// tenantStore implements storage.TenantStore. The RLS policies make a row
// of another tenant indistinguishable from absence.
type tenantStore struct {
	pool   *pgxpool.Pool
	tenant string
}

func (t *tenantStore) CreateSession(ctx context.Context, s *models.ExecutionSession, steps []models.ExecutionStep) error {
	if s.TenantID != t.tenant {
		return fmt.Errorf("session tenant %q does not match boundary tenant %q", s.TenantID, t.tenant)
	}
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sessions (session_id, tenant_id, ticket_id, runbook_id, status, idempotency_key, last_event_seq, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.SessionID, t.tenant, s.TicketID, s.RunbookID, s.Status, s.IdempotencyKey, s.LastEventSeq, data, s.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "idx_sessions_idempotency") {
				existing, lookupErr := t.getSessionByIdempotencyKeyTx(ctx, tx, s.IdempotencyKey)
				if lookupErr != nil {
					return fmt.Errorf("resolving duplicate idempotency key: %w", lookupErr)
				}
				return &storage.DuplicateIdempotencyKeyError{ExistingSessionID: existing.SessionID}
			}
			return fmt.Errorf("inserting session: %w", err)
		}

		for i := range steps {
			stepData, err := json.Marshal(&steps[i])
			if err != nil {
				return fmt.Errorf("marshaling step %d: %w", i, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO steps (session_id, step_index, tenant_id, status, data)
				VALUES ($1, $2, $3, $4, $5)`,
				s.SessionID, steps[i].StepIndex, t.tenant, steps[i].Status, stepData)
			if err != nil {
				return fmt.Errorf("inserting step %d: %w", i, err)
			}
		}
		return nil
	})
}

func (t *tenantStore) GetSession(ctx context.Context, sessionID string) (*models.ExecutionSession, error) {
	var s *models.ExecutionSession
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var err error
		s, err = scanSession(tx.QueryRow(ctx,
			`SELECT data, last_event_seq FROM sessions WHERE session_id = $1`, sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *tenantStore) GetSessionByIdempotencyKey(ctx context.Context, key string) (*models.ExecutionSession, error) {
	var s *models.ExecutionSession
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var err error
		s, err = t.getSessionByIdempotencyKeyTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *tenantStore) getSessionByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.ExecutionSession, error) {
	return scanSession(tx.QueryRow(ctx,
		`SELECT data, last_event_seq FROM sessions WHERE idempotency_key = $1 AND idempotency_key <> ''`, key))
}

func (t *tenantStore) UpdateSession(ctx context.Context, s *models.ExecutionSession) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE sessions
			SET status = $2, data = $3, last_event_seq = $4, updated_at = now()
			WHERE session_id = $1`,
			s.SessionID, s.Status, data, s.LastEventSeq)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (t *tenantStore) ListSessions(ctx context.Context, f storage.SessionFilters) ([]*models.ExecutionSession, int, error) {
	var out []*models.ExecutionSession
	var total int
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		where := "WHERE true"
		args := []any{}
		n := 0
		add := func(cond string, v any) {
			n++
			where += fmt.Sprintf(" AND %s = $%d", cond, n)
			args = append(args, v)
		}
		if f.Status != "" {
			add("status", string(f.Status))
		}
		if f.TicketID != "" {
			add("ticket_id", f.TicketID)
		}
		if f.RunbookID != "" {
			add("runbook_id", f.RunbookID)
		}

		if err := tx.QueryRow(ctx, "SELECT count(*) FROM sessions "+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("counting sessions: %w", err)
		}

		order := "ASC"
		if f.SortDesc {
			order = "DESC"
		}
		q := fmt.Sprintf("SELECT data, last_event_seq FROM sessions %s ORDER BY created_at %s", where, order)
		if f.Limit > 0 {
			n++
			q += fmt.Sprintf(" LIMIT $%d", n)
			args = append(args, f.Limit)
		}
		if f.Offset > 0 {
			n++
			q += fmt.Sprintf(" OFFSET $%d", n)
			args = append(args, f.Offset)
		}

		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (t *tenantStore) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT count(*) FROM sessions WHERE status NOT IN ('completed', 'failed', 'cancelled')`).Scan(&n)
	})
	return n, err
}

func (t *tenantStore) GetStep(ctx context.Context, sessionID string, stepIndex int) (*models.ExecutionStep, error) {
	var st *models.ExecutionStep
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var err error
		st, err = scanStep(tx.QueryRow(ctx,
			`SELECT data FROM steps WHERE session_id = $1 AND step_index = $2`, sessionID, stepIndex))
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (t *tenantStore) ListSteps(ctx context.Context, sessionID string) ([]models.ExecutionStep, error) {
	var out []models.ExecutionStep
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		rows, err := tx.Query(ctx,
			`SELECT data FROM steps WHERE session_id = $1 ORDER BY step_index`, sessionID)
		if err != nil {
			return fmt.Errorf("listing steps: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			st, err := scanStep(rows)
			if err != nil {
				return err
			}
			out = append(out, *st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tenantStore) UpdateStep(ctx context.Context, st *models.ExecutionStep) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var prevStatus models.StepStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM steps WHERE session_id = $1 AND step_index = $2 FOR UPDATE`,
			st.SessionID, st.StepIndex).Scan(&prevStatus)
		if err != nil {
			return mapNoRows(err)
		}

		if (prevStatus == models.StepSucceeded || prevStatus == models.StepFailed) && st.Status != prevStatus {
			// Terminal steps may only move to rolled_back via the rollback path.
			if st.Status != models.StepRolledBack {
				return storage.ErrStepTerminal
			}
		}

		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshaling step: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE steps SET status = $3, data = $4, updated_at = now()
			WHERE session_id = $1 AND step_index = $2`,
			st.SessionID, st.StepIndex, st.Status, data)
		if err != nil {
			return fmt.Errorf("updating step: %w", err)
		}
		return nil
	})
}

func (t *tenantStore) AppendEvent(ctx context.Context, e *models.ExecutionEvent) (*models.ExecutionEvent, error) {
	stored := *e
	stored.TenantID = t.tenant
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		// The row lock taken by UPDATE serializes concurrent appends for a
		// session, keeping seq contiguous.
		err := tx.QueryRow(ctx, `
			UPDATE sessions SET last_event_seq = last_event_seq + 1, updated_at = now()
			WHERE session_id = $1
			RETURNING last_event_seq`, e.SessionID).Scan(&stored.Seq)
		if err != nil {
			return mapNoRows(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (session_id, tenant_id, seq, step_index, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			stored.SessionID, t.tenant, stored.Seq, stored.StepIndex, stored.Kind, stored.Payload, stored.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (t *tenantStore) EventsSince(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]models.ExecutionEvent, error) {
	var out []models.ExecutionEvent
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}

		q := `SELECT session_id, tenant_id, seq, step_index, kind, payload, created_at
			FROM events WHERE session_id = $1 AND seq > $2 ORDER BY seq`
		args := []any{sessionID, sinceSeq}
		if limit > 0 {
			q += " LIMIT $3"
			args = append(args, limit)
		}
		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("querying events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e models.ExecutionEvent
			if err := rows.Scan(&e.SessionID, &e.TenantID, &e.Seq, &e.StepIndex, &e.Kind, &e.Payload, &e.Timestamp); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tenantStore) CreateTicket(ctx context.Context, tk *models.Ticket) error {
	if tk.TenantID != t.tenant {
		return fmt.Errorf("ticket tenant %q does not match boundary tenant %q", tk.TenantID, t.tenant)
	}
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		data, err := json.Marshal(tk)
		if err != nil {
			return fmt.Errorf("marshaling ticket: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tickets (ticket_id, tenant_id, status, data, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, ticket_id) DO UPDATE SET status = $3, data = $4, updated_at = now()`,
			tk.TicketID, t.tenant, tk.Status, data, tk.CreatedAt)
		return err
	})
}

func (t *tenantStore) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var tk models.Ticket
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var data []byte
		if err := tx.QueryRow(ctx,
			`SELECT data FROM tickets WHERE ticket_id = $1`, ticketID).Scan(&data); err != nil {
			return mapNoRows(err)
		}
		return json.Unmarshal(data, &tk)
	})
	if err != nil {
		return nil, err
	}
	return &tk, nil
}

func (t *tenantStore) UpdateTicketStatus(ctx context.Context, ticketID string, status models.TicketStatus) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tickets
			SET status = $2,
			    data = jsonb_set(data, '{status}', to_jsonb($2::text)),
			    updated_at = now()
			WHERE ticket_id = $1`, ticketID, string(status))
		if err != nil {
			return fmt.Errorf("updating ticket status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (t *tenantStore) PutRunbook(ctx context.Context, spec *runbook.Spec) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		data, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("marshaling runbook: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO runbooks (runbook_id, version, tenant_id, approval_state, spec)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, runbook_id, version) DO UPDATE SET approval_state = $4, spec = $5, updated_at = now()`,
			spec.RunbookID, spec.Version, t.tenant, spec.State, data)
		return err
	})
}

func (t *tenantStore) GetRunbook(ctx context.Context, runbookID, version string) (*runbook.Spec, error) {
	var spec runbook.Spec
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var data []byte
		if err := tx.QueryRow(ctx,
			`SELECT spec FROM runbooks WHERE runbook_id = $1 AND version = $2`,
			runbookID, version).Scan(&data); err != nil {
			return mapNoRows(err)
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func (t *tenantStore) ListRunbooks(ctx context.Context, states ...runbook.ApprovalState) ([]*runbook.Spec, error) {
	var out []*runbook.Spec
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		q := `SELECT spec FROM runbooks`
		var args []any
		if len(states) > 0 {
			stateStrs := make([]string, len(states))
			for i, s := range states {
				stateStrs[i] = string(s)
			}
			q += ` WHERE approval_state = ANY($1)`
			args = append(args, stateStrs)
		}
		q += ` ORDER BY runbook_id, version`

		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("listing runbooks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var spec runbook.Spec
			if err := json.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("unmarshaling runbook: %w", err)
			}
			out = append(out, &spec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tenantStore) SetRunbookState(ctx context.Context, runbookID, version string, state runbook.ApprovalState) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		patch := map[string]any{"state": state}
		if state == runbook.StateApproved {
			patch["approved_at"] = time.Now()
		}
		patchJSON, err := json.Marshal(patch)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE runbooks
			SET approval_state = $3, spec = spec || $4::jsonb, updated_at = now()
			WHERE runbook_id = $1 AND version = $2`,
			runbookID, version, string(state), patchJSON)
		if err != nil {
			return fmt.Errorf("updating runbook state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (t *tenantStore) PutConnection(ctx context.Context, c *models.InfrastructureConnection) error {
	if c.TenantID != t.tenant {
		return fmt.Errorf("connection tenant %q does not match boundary tenant %q", c.TenantID, t.tenant)
	}
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshaling connection: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO connections (connection_id, tenant_id, kind, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, connection_id) DO UPDATE SET kind = $3, data = $4`,
			c.Name, t.tenant, c.Kind, data)
		return err
	})
}

func (t *tenantStore) ListConnections(ctx context.Context) ([]models.InfrastructureConnection, error) {
	var out []models.InfrastructureConnection
	err := inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT data FROM connections ORDER BY connection_id`)
		if err != nil {
			return fmt.Errorf("listing connections: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var c models.InfrastructureConnection
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("unmarshaling connection: %w", err)
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tenantStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return inTenantTx(ctx, t.pool, t.tenant, func(tx pgx.Tx) error {
		var prevHash string
		err := tx.QueryRow(ctx,
			`SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1 FOR UPDATE`).Scan(&prevHash)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("reading audit chain head: %w", err)
		}

		entry.TenantID = t.tenant
		entry.PrevHash = prevHash
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO audit_log (tenant_id, actor, action, session_id, detail, prev_hash, hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, '', $7)
			RETURNING id`,
			t.tenant, entry.Actor, entry.Action, entry.SessionID, string(entry.Detail), entry.PrevHash, entry.CreatedAt).Scan(&entry.ID)
		if err != nil {
			return fmt.Errorf("inserting audit entry: %w", err)
		}

		entry.Hash = hashAuditEntry(entry)
		_, err = tx.Exec(ctx, `UPDATE audit_log SET hash = $2 WHERE id = $1`, entry.ID, entry.Hash)
		return err
	})
}

// hashAuditEntry computes the chain hash over the entry's identifying
// fields plus the previous hash.
func hashAuditEntry(e *models.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.ID, e.TenantID, e.Actor, e.Action, e.SessionID, e.Detail, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ExecutionSession, error) {
	var data []byte
	var lastSeq int64
	if err := row.Scan(&data, &lastSeq); err != nil {
		return nil, mapNoRows(err)
	}
	var s models.ExecutionSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	// last_event_seq is owned by the events path; the column wins over the
	// document snapshot.
	s.LastEventSeq = lastSeq
	return &s, nil
}

func scanStep(row rowScanner) (*models.ExecutionStep, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, mapNoRows(err)
	}
	var st models.ExecutionStep
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling step: %w", err)
	}
	return &st, nil
}
