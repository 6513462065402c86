package ingress_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/ingress"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func testRegistry() domain.TokenRegistry {
	return domain.NewStaticTokenRegistry([]domain.SupportedToken{
		{Chain: "polygon", Network: "mainnet", Symbol: "MATIC", Address: "", Decimals: 18},
		{Chain: "polygon", Network: "mainnet", Symbol: "USDT", Address: "0x1111111111111111111111111111111111111111", Decimals: 6},
	})
}

func TestSubmit_PersistsPendingAndOutboxRow(t *testing.T) {
	db := openTestDB(t)
	requests := store.NewRequestRepo(db)
	outbox := store.NewOutboxRepo(db)
	svc := ingress.NewService(db, requests, outbox, testRegistry(), log.New())

	id, err := svc.Submit(context.Background(), ingress.SubmitInput{
		Amount:       "12.5",
		Symbol:       "USDT",
		ToAddress:    "0x2222222222222222222222222222222222222222",
		TokenAddress: "0x1111111111111111111111111111111111111111",
		Chain:        "polygon",
		Network:      "mainnet",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	req, err := requests.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, req.Status)
	require.Equal(t, "12500000", req.AmountBaseUnit)

	rows, err := outbox.ListUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "tx-request", rows[0].QueueName)
	require.Equal(t, id, rows[0].Key)
}

func TestSubmit_RejectsUnsupportedToken(t *testing.T) {
	db := openTestDB(t)
	requests := store.NewRequestRepo(db)
	outbox := store.NewOutboxRepo(db)
	svc := ingress.NewService(db, requests, outbox, testRegistry(), log.New())

	_, err := svc.Submit(context.Background(), ingress.SubmitInput{
		Amount:       "1",
		ToAddress:    "0x2222222222222222222222222222222222222222",
		TokenAddress: "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead",
		Chain:        "polygon",
		Network:      "mainnet",
	})
	require.Error(t, err)
}

func TestSubmit_DuplicateRequestIDIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	requests := store.NewRequestRepo(db)
	outbox := store.NewOutboxRepo(db)
	svc := ingress.NewService(db, requests, outbox, testRegistry(), log.New())

	in := ingress.SubmitInput{
		RequestID:    "01912d6e-0000-7000-8000-000000000000",
		Amount:       "1",
		ToAddress:    "0x2222222222222222222222222222222222222222",
		TokenAddress: "",
		Chain:        "polygon",
		Network:      "mainnet",
	}
	id1, err := svc.Submit(context.Background(), in)
	require.NoError(t, err)
	id2, err := svc.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	rows, err := outbox.ListUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "second submission must not publish a duplicate message")
}
