package dlq_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/dlq"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/testutil"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func testParams() dlq.Params {
	return dlq.Params{
		ReceiveBatchSize: 10, LongPollTimeout: 5 * time.Millisecond,
		InitialRetryDelay: time.Millisecond, MaxRetryDelay: time.Second, BackoffMultiplier: 2,
		MaxRetryAttempts: 5, MaxUnknownRetryAttempts: 2,
	}
}

func TestService_RequeuesRetryableFailure(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)

	bus := testutil.NewMemBus(5)
	txRequestQueue := bus.Queue("tx-request")
	dlqQueue := bus.DLQ("tx-request")

	body, err := json.Marshal(domain.TxRequestMessage{RequestID: "req-1", Chain: "polygon", Network: "mainnet"})
	require.NoError(t, err)
	require.NoError(t, dlqQueue.Publish(context.Background(), "req-1", domain.DLQEnvelope{
		Upstream: "tx-request", Body: body, ErrorKind: "NETWORK", ErrorMessage: "rpc timeout", Attempts: 1,
	}))

	svc := dlq.NewService("tx-request", dlqQueue, requests, testParams(), log.New())
	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		return txRequestQueue.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestService_FailsRequestPermanentlyForNonRetryableKind(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)

	req := &domain.WithdrawalRequest{
		RequestID: "req-2", Amount: "1", AmountBaseUnit: "1000000000000000000",
		ToAddress: "0x2222222222222222222222222222222222222222", Chain: "polygon", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusPending, domain.StatusValidating, ""))

	bus := testutil.NewMemBus(5)
	dlqQueue := bus.DLQ("tx-request")

	body, err := json.Marshal(domain.TxRequestMessage{RequestID: req.RequestID, Chain: "polygon", Network: "mainnet"})
	require.NoError(t, err)
	require.NoError(t, dlqQueue.Publish(context.Background(), req.RequestID, domain.DLQEnvelope{
		Upstream: "tx-request", Body: body, ErrorKind: "VALIDATION", ErrorMessage: "unsupported token", Attempts: 1,
	}))

	svc := dlq.NewService("tx-request", dlqQueue, requests, testParams(), log.New())
	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		updated, err := requests.Get(context.Background(), req.RequestID)
		return err == nil && updated.Status == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	updated, err := requests.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Equal(t, "unsupported token", updated.ErrorMessage)
}

// TestService_EscalatesUnknownKindBeforeMaxRetryAttempts exercises the
// reduced UNKNOWN attempt bound: testParams sets MaxRetryAttempts=5 but
// MaxUnknownRetryAttempts=2, so an UNKNOWN-kind failure already at its
// second attempt must fail permanently rather than requeue again, even
// though it hasn't reached the general retry ceiling.
func TestService_EscalatesUnknownKindBeforeMaxRetryAttempts(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)

	req := &domain.WithdrawalRequest{
		RequestID: "req-3", Amount: "1", AmountBaseUnit: "1000000000000000000",
		ToAddress: "0x3333333333333333333333333333333333333333", Chain: "polygon", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusPending, domain.StatusValidating, ""))

	bus := testutil.NewMemBus(5)
	dlqQueue := bus.DLQ("tx-request")

	body, err := json.Marshal(domain.TxRequestMessage{RequestID: req.RequestID, Chain: "polygon", Network: "mainnet"})
	require.NoError(t, err)
	require.NoError(t, dlqQueue.Publish(context.Background(), req.RequestID, domain.DLQEnvelope{
		Upstream: "tx-request", Body: body, ErrorKind: "UNKNOWN", ErrorMessage: "unrecognized failure", Attempts: 2,
	}))

	svc := dlq.NewService("tx-request", dlqQueue, requests, testParams(), log.New())
	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		updated, err := requests.Get(context.Background(), req.RequestID)
		return err == nil && updated.Status == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}
