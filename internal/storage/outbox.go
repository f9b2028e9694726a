package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxEntry is one pending vector-index upsert.
type OutboxEntry struct {
	ID       int64
	AgentID  string
	Attempts int
}

// enqueueIndexUpsertTx records a pending index upsert inside an existing
// transaction. One live row per agent: repeated writes before the flush
// coalesce, resetting the backoff so the newest content goes out promptly.
func enqueueIndexUpsertTx(ctx context.Context, tx pgx.Tx, agentID string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO index_outbox (agent_id)
		 VALUES ($1)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET next_attempt_at = now(), last_error = ''`,
		agentID,
	); err != nil {
		return fmt.Errorf("storage: enqueue index upsert: %w", err)
	}
	return nil
}

// EnqueueIndexUpsert records a pending index upsert outside a transaction.
// Used by the reconciler when it finds the index missing an agent.
func (db *DB) EnqueueIndexUpsert(ctx context.Context, agentID string) error {
	tx, cancel, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = tx.Rollback(ctx) }()

	if err := enqueueIndexUpsertTx(ctx, tx, agentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimIndexOutbox leases up to batchSize due entries. Claimed rows are pushed
// past now() by the lease so concurrent workers skip them; SKIP LOCKED keeps
// claimers from serializing on each other.
func (db *DB) ClaimIndexOutbox(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE index_outbox SET next_attempt_at = now() + $2
		 WHERE id IN (
			SELECT id FROM index_outbox
			WHERE next_attempt_at <= now()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, agent_id, attempts`,
		batchSize, lease,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim index outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AckIndexOutbox removes entries whose index writes were acknowledged.
func (db *DB) AckIndexOutbox(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM index_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: ack index outbox: %w", err)
	}
	return nil
}

// NackIndexOutbox records a failed flush attempt and schedules the retry.
func (db *DB) NackIndexOutbox(ctx context.Context, id int64, flushErr string, backoff time.Duration) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE index_outbox
		 SET attempts = attempts + 1, last_error = $2, next_attempt_at = now() + $3
		 WHERE id = $1`,
		id, flushErr, backoff,
	); err != nil {
		return fmt.Errorf("storage: nack index outbox: %w", err)
	}
	return nil
}

// CountPendingOutbox reports the outbox depth for health and reconciliation.
func (db *DB) CountPendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM index_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count pending outbox: %w", err)
	}
	return n, nil
}
