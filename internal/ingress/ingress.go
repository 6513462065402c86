// Package ingress implements spec §4.1: accept a withdrawal input,
// validate it strictly, persist a PENDING WithdrawalRequest, and publish
// a tx-request message — transactionally, via the outbox pattern, so
// persistence and publication can never drift out of sync.
package ingress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// SubmitInput is the caller-supplied withdrawal intent (spec §4.1).
type SubmitInput struct {
	RequestID    string // optional; supplied by caller for idempotent retries
	Amount       string
	Symbol       string
	ToAddress    string
	TokenAddress string
	Chain        string
	Network      string
}

// Service is the Ingress stage. It owns no goroutine of its own; the
// outbox relay runs separately via Relay.Run. Submit is safe to call concurrently
// from many request handlers (the HTTP/CLI surface itself is out of
// scope per spec §1).
type Service struct {
	db       *sql.DB
	requests *store.RequestRepo
	outbox   *store.OutboxRepo
	registry domain.TokenRegistry
	log      log.Logger
}

func NewService(db *sql.DB, requests *store.RequestRepo, outbox *store.OutboxRepo, registry domain.TokenRegistry, logger log.Logger) *Service {
	return &Service{db: db, requests: requests, outbox: outbox, registry: registry, log: logger}
}

// Submit validates input, persists a PENDING request and an outbox
// publication row in one transaction, and returns the assigned
// requestId. Resubmission with an identical requestId is a no-op that
// returns the existing request's ID (spec §4.1 idempotency rule).
func (s *Service) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if in.RequestID != "" {
		if existing, err := s.requests.Get(ctx, in.RequestID); err == nil {
			s.log.Info("duplicate submission, returning existing request", "requestId", existing.RequestID)
			return existing.RequestID, nil
		} else if errs.KindOf(err) != errs.NotFound {
			return "", err
		}
	}

	if err := s.validate(ctx, &in); err != nil {
		return "", err
	}

	requestID := in.RequestID
	if requestID == "" {
		id, err := domain.NewRequestID()
		if err != nil {
			return "", errs.Wrap(errs.Unknown, err, "failed to mint request id")
		}
		requestID = id
	}

	token, _ := s.registry.Lookup(in.Chain, in.Network, in.TokenAddress)
	baseUnits, err := signing.ParseAmount(in.Amount, token.Decimals)
	if err != nil {
		return "", errs.Wrap(errs.Validation, err, "Invalid amount")
	}

	req := &domain.WithdrawalRequest{
		RequestID:      requestID,
		Amount:         in.Amount,
		AmountBaseUnit: baseUnits.String(),
		Symbol:         in.Symbol,
		TokenAddress:   in.TokenAddress,
		ToAddress:      in.ToAddress,
		Chain:          in.Chain,
		Network:        in.Network,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin ingress transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.requests.CreateTx(ctx, tx, req); err != nil {
		return "", err
	}

	msg := domain.TxRequestMessage{
		RequestID:    requestID,
		Amount:       in.Amount,
		Symbol:       in.Symbol,
		ToAddress:    in.ToAddress,
		TokenAddress: in.TokenAddress,
		Chain:        in.Chain,
		Network:      in.Network,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.outbox.EnqueueTx(ctx, tx, "tx-request", requestID, msg); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit ingress transaction: %w", err)
	}

	s.log.Info("accepted withdrawal request", "requestId", requestID, "chain", in.Chain, "network", in.Network)
	return requestID, nil
}

// validate applies the §4.1 strict-validation rules, fast-failing with a
// VALIDATION-kind error (never persisted as PENDING — callers must
// surface this directly rather than route it through the pipeline).
func (s *Service) validate(ctx context.Context, in *SubmitInput) error {
	if !s.registry.IsSupportedChainNetwork(in.Chain, in.Network) {
		return errs.New(errs.Validation, fmt.Sprintf("unsupported chain/network %s/%s", in.Chain, in.Network))
	}
	if err := signing.ValidateAddress(in.ToAddress); err != nil {
		return errs.Wrap(errs.Validation, err, "Invalid destination address")
	}
	token, ok := s.registry.Lookup(in.Chain, in.Network, in.TokenAddress)
	if !ok {
		return errs.New(errs.Validation, fmt.Sprintf("unsupported token %s on %s/%s", in.TokenAddress, in.Chain, in.Network))
	}
	if _, err := signing.ParseAmount(in.Amount, token.Decimals); err != nil {
		return errs.Wrap(errs.Validation, err, "Invalid amount")
	}
	return nil
}
