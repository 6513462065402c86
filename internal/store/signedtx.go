package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
)

// SignedTxRepo persists both SignedSingleTransaction and
// SignedBatchTransaction rows. A gas-bumped replacement is written as a
// new row sharing (chainId, from, nonce) while the prior row is flagged
// superseded=1, honoring spec §3's uniqueness invariant (enforced by the
// partial unique index over live rows) without losing history.
type SignedTxRepo struct {
	db *sql.DB
}

func NewSignedTxRepo(db *sql.DB) *SignedTxRepo { return &SignedTxRepo{db: db} }

func (r *SignedTxRepo) InsertSingle(ctx context.Context, tx *domain.SignedSingleTransaction) error {
	now := time.Now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO signed_single_transactions
			(request_id, raw, from_address, to_address, value, nonce, chain_id, legacy,
			 gas_price, max_fee, max_priority, gas_limit, tx_hash, try_count, status, error_message,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.RequestID, tx.Raw, tx.From, tx.To, tx.Value, tx.Nonce, tx.ChainID, tx.Gas.Legacy,
		tx.Gas.GasPrice, tx.Gas.MaxFeePerGas, tx.Gas.MaxPriorityFeePerGas, tx.Gas.GasLimit,
		tx.TxHash, tx.TryCount, tx.Status, tx.Error, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.Nonce, fmt.Sprintf("nonce %d already used for chain %d from %s", tx.Nonce, tx.ChainID, tx.From))
		}
		return fmt.Errorf("insert signed single tx for %s: %w", tx.RequestID, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		tx.ID = id
	}
	return nil
}

// Supersede marks the current live row for (chainID, from, nonce) as
// superseded and inserts replacement as the new live row in one
// transaction, implementing the fee-bump-and-resign path (spec §4.3
// "stuck transactions").
func (r *SignedTxRepo) Supersede(ctx context.Context, chainID int64, from string, nonce uint64, replacement *domain.SignedSingleTransaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE signed_single_transactions
		SET superseded = 1, updated_at = ?
		WHERE chain_id = ? AND from_address = ? AND nonce = ? AND superseded = 0`,
		time.Now().UTC(), chainID, from, nonce,
	); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}

	now := time.Now().UTC()
	replacement.CreatedAt, replacement.UpdatedAt = now, now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO signed_single_transactions
			(request_id, raw, from_address, to_address, value, nonce, chain_id, legacy,
			 gas_price, max_fee, max_priority, gas_limit, tx_hash, try_count, status, error_message,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		replacement.RequestID, replacement.Raw, replacement.From, replacement.To, replacement.Value,
		replacement.Nonce, replacement.ChainID, replacement.Gas.Legacy, replacement.Gas.GasPrice,
		replacement.Gas.MaxFeePerGas, replacement.Gas.MaxPriorityFeePerGas, replacement.Gas.GasLimit,
		replacement.TxHash, replacement.TryCount, replacement.Status, replacement.Error, now, now,
	); err != nil {
		return fmt.Errorf("insert replacement signed tx: %w", err)
	}

	return tx.Commit()
}

// FindByHash implements the broadcaster's P5 idempotent-redelivery
// guard: the broadcaster checks this before acting on a redelivered
// message, so a duplicate delivery never produces a duplicate on-chain
// submission. The monitor's own guard uses SentTxRepo.FindBySignedHash.
func (r *SignedTxRepo) FindByHash(ctx context.Context, txHash string) (*domain.SignedSingleTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, raw, from_address, to_address, value, nonce, chain_id, legacy,
		       gas_price, max_fee, max_priority, gas_limit, tx_hash, try_count, status, error_message,
		       created_at, updated_at
		FROM signed_single_transactions WHERE tx_hash = ?`, txHash)
	return scanSingle(row)
}

func scanSingle(row *sql.Row) (*domain.SignedSingleTransaction, error) {
	var tx domain.SignedSingleTransaction
	if err := row.Scan(
		&tx.ID, &tx.RequestID, &tx.Raw, &tx.From, &tx.To, &tx.Value, &tx.Nonce, &tx.ChainID, &tx.Gas.Legacy,
		&tx.Gas.GasPrice, &tx.Gas.MaxFeePerGas, &tx.Gas.MaxPriorityFeePerGas, &tx.Gas.GasLimit,
		&tx.TxHash, &tx.TryCount, &tx.Status, &tx.Error, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "signed transaction not found")
		}
		return nil, fmt.Errorf("scan signed single tx: %w", err)
	}
	return &tx, nil
}

// UpdateStatus moves a signed single transaction's own status (tracking
// the same Status vocabulary as WithdrawalRequest for the signed-record
// lifecycle spec §3 describes).
func (r *SignedTxRepo) UpdateStatus(ctx context.Context, txHash string, status domain.Status, errMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE signed_single_transactions SET status = ?, error_message = ?, updated_at = ? WHERE tx_hash = ?`,
		status, errMessage, time.Now().UTC(), txHash,
	)
	return err
}

func (r *SignedTxRepo) InsertBatch(ctx context.Context, tx *domain.SignedBatchTransaction) error {
	now := time.Now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO signed_batch_transactions
			(batch_id, request_ids, raw, from_address, to_address, nonce, chain_id, legacy,
			 gas_price, max_fee, max_priority, gas_limit, tx_hash, try_count, status, error_message,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.BatchID, strings.Join(tx.RequestIDs, ","), tx.Raw, tx.From, tx.To, tx.Nonce, tx.ChainID,
		tx.Gas.Legacy, tx.Gas.GasPrice, tx.Gas.MaxFeePerGas, tx.Gas.MaxPriorityFeePerGas, tx.Gas.GasLimit,
		tx.TxHash, tx.TryCount, tx.Status, tx.Error, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.Nonce, fmt.Sprintf("nonce %d already used for batch %s", tx.Nonce, tx.BatchID))
		}
		return fmt.Errorf("insert signed batch tx %s: %w", tx.BatchID, err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		tx.ID = id
	}
	return nil
}

func (r *SignedTxRepo) FindBatchByHash(ctx context.Context, txHash string) (*domain.SignedBatchTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, batch_id, request_ids, raw, from_address, to_address, nonce, chain_id, legacy,
		       gas_price, max_fee, max_priority, gas_limit, tx_hash, try_count, status, error_message,
		       created_at, updated_at
		FROM signed_batch_transactions WHERE tx_hash = ?`, txHash)
	var tx domain.SignedBatchTransaction
	var requestIDs string
	if err := row.Scan(
		&tx.ID, &tx.BatchID, &requestIDs, &tx.Raw, &tx.From, &tx.To, &tx.Nonce, &tx.ChainID, &tx.Gas.Legacy,
		&tx.Gas.GasPrice, &tx.Gas.MaxFeePerGas, &tx.Gas.MaxPriorityFeePerGas, &tx.Gas.GasLimit,
		&tx.TxHash, &tx.TryCount, &tx.Status, &tx.Error, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "signed batch transaction not found")
		}
		return nil, fmt.Errorf("scan signed batch tx: %w", err)
	}
	if requestIDs != "" {
		tx.RequestIDs = strings.Split(requestIDs, ",")
	}
	return &tx, nil
}

func (r *SignedTxRepo) UpdateBatchStatus(ctx context.Context, txHash string, status domain.Status, errMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE signed_batch_transactions SET status = ?, error_message = ?, updated_at = ? WHERE tx_hash = ?`,
		status, errMessage, time.Now().UTC(), txHash,
	)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
