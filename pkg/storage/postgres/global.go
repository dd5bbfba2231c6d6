package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// globalStore implements storage.GlobalStore. These tables carry no RLS;
// queue claims and worker registry queries span tenants.
type globalStore struct {
	pool *pgxpool.Pool
}

func (g *globalStore) RegisterWorker(ctx context.Context, w *models.AgentWorker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling worker: %w", err)
	}
	_, err = g.pool.Exec(ctx, `
		INSERT INTO workers (worker_id, state, current_load, last_heartbeat_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (worker_id) DO UPDATE SET state = $2, current_load = $3, last_heartbeat_at = $4, data = $5`,
		w.WorkerID, w.State, w.CurrentLoad, w.LastHeartbeatAt, data)
	return err
}

func (g *globalStore) GetWorker(ctx context.Context, workerID string) (*models.AgentWorker, error) {
	var data []byte
	err := g.pool.QueryRow(ctx,
		`SELECT data FROM workers WHERE worker_id = $1`, workerID).Scan(&data)
	if err != nil {
		return nil, mapNoRows(err)
	}
	var w models.AgentWorker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshaling worker: %w", err)
	}
	return &w, nil
}

func (g *globalStore) UpdateWorker(ctx context.Context, w *models.AgentWorker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling worker: %w", err)
	}
	tag, err := g.pool.Exec(ctx, `
		UPDATE workers SET state = $2, current_load = $3, last_heartbeat_at = $4, data = $5
		WHERE worker_id = $1`,
		w.WorkerID, w.State, w.CurrentLoad, w.LastHeartbeatAt, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *globalStore) Heartbeat(ctx context.Context, workerID string, load int, at time.Time) error {
	// An offline worker that heartbeats again comes back as idle.
	tag, err := g.pool.Exec(ctx, `
		UPDATE workers
		SET current_load = $2,
		    last_heartbeat_at = $3,
		    state = CASE WHEN state = 'offline' THEN 'idle' ELSE state END,
		    data = jsonb_set(jsonb_set(data, '{current_load}', to_jsonb($2::int)),
		                     '{last_heartbeat_at}', to_jsonb($3::timestamptz))
		WHERE worker_id = $1`,
		workerID, load, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *globalStore) ListWorkers(ctx context.Context) ([]*models.AgentWorker, error) {
	rows, err := g.pool.Query(ctx, `SELECT data FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentWorker
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w models.AgentWorker
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("unmarshaling worker: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (g *globalStore) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*models.AgentWorker, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT data FROM workers
		WHERE state <> 'offline' AND last_heartbeat_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale workers: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentWorker
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w models.AgentWorker
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("unmarshaling worker: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ActiveSessionsForWorker scans across tenants; the connection runs as
// the table owner, which RLS policies do not constrain.
func (g *globalStore) ActiveSessionsForWorker(ctx context.Context, workerID string) ([]storage.SessionRef, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT tenant_id, session_id FROM sessions
		WHERE data->>'worker_id' = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY session_id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions for worker: %w", err)
	}
	defer rows.Close()

	var out []storage.SessionRef
	for rows.Next() {
		var ref storage.SessionRef
		if err := rows.Scan(&ref.TenantID, &ref.SessionID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (g *globalStore) Enqueue(ctx context.Context, msg *storage.CommandMessage) error {
	m := *msg
	m.Status = storage.MessagePending
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	_, err = g.pool.Exec(ctx, `
		INSERT INTO queue_messages (message_id, tenant_id, session_id, step_index, idempotency_key, kind, status, attempts, data, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8)`,
		m.MessageID, m.TenantID, m.SessionID, m.StepIndex, m.IdempotencyKey, m.Kind, data, m.EnqueuedAt)
	return err
}

// ClaimNext claims the oldest eligible pending message with FOR UPDATE
// SKIP LOCKED, so concurrent claimers never contend on the same row. A
// message is skipped while another message of its session is claimed.
func (g *globalStore) ClaimNext(ctx context.Context, w *models.AgentWorker, now time.Time) (*storage.CommandMessage, error) {
	kinds := make([]string, len(w.Capabilities))
	for i, k := range w.Capabilities {
		kinds[i] = string(k)
	}
	if len(kinds) == 0 {
		return nil, storage.ErrNoMessages
	}
	scopes := w.TenantScope

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var data []byte
	var attempts int
	err = tx.QueryRow(ctx, `
		SELECT q.data, q.attempts FROM queue_messages q
		WHERE q.status = 'pending'
		  AND q.kind = ANY($1)
		  AND (q.tenant_id = ANY($2) OR '*' = ANY($2))
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_messages c
		      WHERE c.session_id = q.session_id AND c.status = 'claimed'
		  )
		ORDER BY q.enqueued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, kinds, scopes).Scan(&data, &attempts)
	if err != nil {
		if mapNoRows(err) == storage.ErrNotFound {
			return nil, storage.ErrNoMessages
		}
		return nil, fmt.Errorf("selecting claimable message: %w", err)
	}

	var m storage.CommandMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling message: %w", err)
	}
	m.Status = storage.MessageClaimed
	m.ClaimedBy = w.WorkerID
	claimed := now
	m.ClaimedAt = &claimed
	m.Attempts = attempts + 1

	updated, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshaling claimed message: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'claimed', claimed_by = $2, claimed_at = $3, attempts = attempts + 1, data = $4
		WHERE message_id = $1`,
		m.MessageID, w.WorkerID, claimed, updated)
	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &m, nil
}

func (g *globalStore) Ack(ctx context.Context, messageID, workerID string) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'acked', data = jsonb_set(data, '{status}', '"acked"')
		WHERE message_id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		messageID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *globalStore) Nak(ctx context.Context, messageID, workerID, reason string) error {
	reasonJSON, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	tag, err := g.pool.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'nakked', nak_reason = $3,
		    data = jsonb_set(jsonb_set(data, '{status}', '"nakked"'), '{nak_reason}', $4::jsonb)
		WHERE message_id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		messageID, workerID, reason, reasonJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *globalStore) ExtendClaim(ctx context.Context, messageID, workerID string, now time.Time) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE queue_messages
		SET claimed_at = $3,
		    data = jsonb_set(data, '{claimed_at}', to_jsonb($3::timestamptz))
		WHERE message_id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		messageID, workerID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (g *globalStore) RequeueExpired(ctx context.Context, ackWindow time.Duration, now time.Time) (int, error) {
	tag, err := g.pool.Exec(ctx, `
		UPDATE queue_messages
		SET status = 'pending', claimed_by = '', claimed_at = NULL,
		    data = data - 'claimed_by' - 'claimed_at' || '{"status":"pending"}'::jsonb
		WHERE status = 'claimed' AND claimed_at < $1`,
		now.Add(-ackWindow))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (g *globalStore) PendingForSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := g.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_messages
		WHERE session_id = $1 AND status IN ('pending', 'claimed')`, sessionID).Scan(&n)
	return n, err
}

func (g *globalStore) RecordNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	tag, err := g.pool.Exec(ctx, `
		INSERT INTO webhook_nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO UPDATE SET expires_at = $2
		WHERE webhook_nonces.expires_at < now()`,
		nonce, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateNonce
	}
	return nil
}

func (g *globalStore) PurgeExpiredNonces(ctx context.Context, now time.Time) (int, error) {
	tag, err := g.pool.Exec(ctx,
		`DELETE FROM webhook_nonces WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (g *globalStore) DeleteEventsBefore(ctx context.Context, kind string, cutoff time.Time) (int, error) {
	tag, err := g.pool.Exec(ctx,
		`DELETE FROM events WHERE kind = $1 AND created_at < $2`, kind, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
