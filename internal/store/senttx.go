package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
)

// SentTxRepo persists the bookkeeping row linking a signed-tx hash to
// the hash actually accepted on-chain (spec §3 SentTransaction).
type SentTxRepo struct {
	db *sql.DB
}

func NewSentTxRepo(db *sql.DB) *SentTxRepo { return &SentTxRepo{db: db} }

func (r *SentTxRepo) Insert(ctx context.Context, sent *domain.SentTransaction) error {
	sent.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sent_transactions
			(request_id, batch_id, signed_tx_hash, on_chain_tx_hash, block_number, gas_used, status, confirmed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sent.RequestID, sent.BatchID, sent.SignedTxHash, sent.OnChainTxHash,
		sent.BlockNumber, sent.GasUsed, sent.Status, sent.ConfirmedAt, sent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sent transaction for %s: %w", sent.SignedTxHash, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		sent.ID = id
	}
	return nil
}

// MarkConfirmed finalizes a SentTransaction row once the monitor
// observes enough confirmations (spec §4.4).
func (r *SentTxRepo) MarkConfirmed(ctx context.Context, signedTxHash string, blockNumber, gasUsed uint64) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE sent_transactions
		SET status = ?, block_number = ?, gas_used = ?, confirmed_at = ?
		WHERE signed_tx_hash = ?`,
		domain.StatusConfirmed, blockNumber, gasUsed, now, signedTxHash,
	)
	return err
}

func (r *SentTxRepo) MarkFailed(ctx context.Context, signedTxHash string, blockNumber, gasUsed uint64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sent_transactions SET status = ?, block_number = ?, gas_used = ? WHERE signed_tx_hash = ?`,
		domain.StatusFailed, blockNumber, gasUsed, signedTxHash,
	)
	return err
}

func (r *SentTxRepo) FindBySignedHash(ctx context.Context, signedTxHash string) (*domain.SentTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, batch_id, signed_tx_hash, on_chain_tx_hash, block_number, gas_used, status, confirmed_at, created_at
		FROM sent_transactions WHERE signed_tx_hash = ?`, signedTxHash)
	var sent domain.SentTransaction
	var confirmedAt sql.NullTime
	if err := row.Scan(
		&sent.ID, &sent.RequestID, &sent.BatchID, &sent.SignedTxHash, &sent.OnChainTxHash,
		&sent.BlockNumber, &sent.GasUsed, &sent.Status, &confirmedAt, &sent.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan sent transaction: %w", err)
	}
	if confirmedAt.Valid {
		sent.ConfirmedAt = &confirmedAt.Time
	}
	return &sent, nil
}
