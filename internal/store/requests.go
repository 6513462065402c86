package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
)

// RequestRepo persists WithdrawalRequest rows. Every status mutation
// goes through UpdateStatus, which enforces the DAG in domain.CanTransition
// so P1 (monotonicity) and P4 (terminal absorption) hold regardless of
// which worker calls it.
type RequestRepo struct {
	db *sql.DB
}

func NewRequestRepo(db *sql.DB) *RequestRepo { return &RequestRepo{db: db} }

// Create inserts a new PENDING request. Callers that also need to enqueue
// a tx-request message in the same transaction should use CreateTx.
func (r *RequestRepo) Create(ctx context.Context, req *domain.WithdrawalRequest) error {
	return r.CreateTx(ctx, r.db, req)
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting Create and the
// outbox-publishing Ingress path share one insert implementation.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *RequestRepo) CreateTx(ctx context.Context, ex execer, req *domain.WithdrawalRequest) error {
	now := time.Now().UTC()
	req.Status = domain.StatusPending
	req.CreatedAt, req.UpdatedAt = now, now
	_, err := ex.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
			(request_id, amount, amount_base_unit, symbol, token_address, to_address,
			 chain, network, status, processing_mode, try_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		req.RequestID, req.Amount, req.AmountBaseUnit, req.Symbol, req.TokenAddress, req.ToAddress,
		req.Chain, req.Network, req.Status, domain.ModeSingle, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal request %s: %w", req.RequestID, err)
	}
	return nil
}

// Get loads a request by its public ID, the §4.2 "re-read the persisted
// request (source of truth)" step every worker performs before acting.
func (r *RequestRepo) Get(ctx context.Context, requestID string) (*domain.WithdrawalRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, amount, amount_base_unit, symbol, token_address, to_address,
		       chain, network, status, processing_mode, batch_id, try_count, error_message,
		       created_at, updated_at
		FROM withdrawal_requests WHERE request_id = ?`, requestID)
	return scanRequest(row)
}

func scanRequest(row *sql.Row) (*domain.WithdrawalRequest, error) {
	var req domain.WithdrawalRequest
	var batchID sql.NullString
	if err := row.Scan(
		&req.RequestID, &req.Amount, &req.AmountBaseUnit, &req.Symbol, &req.TokenAddress, &req.ToAddress,
		&req.Chain, &req.Network, &req.Status, &req.ProcessingMode, &batchID, &req.TryCount, &req.ErrorMessage,
		&req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "withdrawal request not found")
		}
		return nil, fmt.Errorf("scan withdrawal request: %w", err)
	}
	if batchID.Valid {
		req.BatchID = &batchID.String
	}
	return &req, nil
}

// UpdateStatus transitions req.status from its current persisted value
// to next, refusing (with a BUSINESS-kind error) if that edge is not
// legal in the DAG or if the row is already in a terminal state. The
// check-then-set happens inside a single UPDATE ... WHERE clause so two
// concurrent workers racing on the same request can't both win.
func (r *RequestRepo) UpdateStatus(ctx context.Context, requestID string, from, to domain.Status, errMessage string) error {
	if !domain.CanTransition(from, to) {
		return errs.New(errs.Business, fmt.Sprintf("illegal status transition %s -> %s", from, to))
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = ?, error_message = ?, updated_at = ?
		WHERE request_id = ? AND status = ?`,
		to, errMessage, time.Now().UTC(), requestID, from,
	)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", requestID, err)
	}
	if n == 0 {
		return errs.New(errs.Business, fmt.Sprintf("request %s was not in expected status %s", requestID, from))
	}
	return nil
}

// AssignBatch records the batch this request was folded into and flips
// its processing mode, without changing status — batching is a
// signing-time decision orthogonal to the status DAG.
func (r *RequestRepo) AssignBatch(ctx context.Context, requestID, batchID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET processing_mode = ?, batch_id = ?, updated_at = ? WHERE request_id = ?`,
		domain.ModeBatch, batchID, time.Now().UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("assign batch %s to request %s: %w", batchID, requestID, err)
	}
	return nil
}

// IncrementTryCount bumps try_count by one. No pipeline stage calls it,
// so try_count is not advanced by the workers' retries.
func (r *RequestRepo) IncrementTryCount(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET try_count = try_count + 1, updated_at = ? WHERE request_id = ?`,
		time.Now().UTC(), requestID,
	)
	return err
}

// ListByBatch returns every request folded into batchID, in insertion
// order, for the monitor to fan status updates out to.
func (r *RequestRepo) ListByBatch(ctx context.Context, batchID string) ([]*domain.WithdrawalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, amount, amount_base_unit, symbol, token_address, to_address,
		       chain, network, status, processing_mode, batch_id, try_count, error_message,
		       created_at, updated_at
		FROM withdrawal_requests WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list requests for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []*domain.WithdrawalRequest
	for rows.Next() {
		var req domain.WithdrawalRequest
		var batch sql.NullString
		if err := rows.Scan(
			&req.RequestID, &req.Amount, &req.AmountBaseUnit, &req.Symbol, &req.TokenAddress, &req.ToAddress,
			&req.Chain, &req.Network, &req.Status, &req.ProcessingMode, &batch, &req.TryCount, &req.ErrorMessage,
			&req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		if batch.Valid {
			req.BatchID = &batch.String
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}
