package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxRow is one pending-or-published publication record.
type OutboxRow struct {
	ID        int64
	QueueName string
	Key       string
	Body      json.RawMessage
	CreatedAt time.Time
}

// OutboxRepo implements the transactional-outbox half of spec §4.1's
// "persistence is transactional with publication" requirement: EnqueueTx
// writes inside the same *sql.Tx as the withdrawal_requests insert, and
// a relay loop (see internal/ingress) later calls ListUnpublished /
// MarkPublished to actually hand the message to the queue, retrying
// until it succeeds so publication happens at-least-once even if the
// process crashes between commit and publish.
type OutboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

func (r *OutboxRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, queueName, key string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal outbox body: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (queue_name, message_key, body, published, created_at) VALUES (?, ?, ?, 0, ?)`,
		queueName, key, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox row: %w", err)
	}
	return nil
}

func (r *OutboxRepo) ListUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, queue_name, message_key, body, created_at
		FROM outbox WHERE published = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished outbox rows: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.QueueName, &row.Key, &row.Body, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET published = 1 WHERE id = ?`, id)
	return err
}
