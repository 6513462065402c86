package signer_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/batching"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signer"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
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

func testParams(signerAddrs map[string]string) signer.Params {
	return signer.Params{
		Batching: batching.Params{
			BatchThreshold: 3, MinBatchSize: 5, MinGasSavingsPercent: 20,
			SingleTxGasEstimate: 65_000, BatchBaseGas: 100_000, BatchPerTxGas: 25_000,
		},
		GasTipPercent: 10, GasBufferPercent: 20,
		ReceiveBatchSize: 10, LongPollTimeout: 50 * time.Millisecond,
		SignerAddresses: signerAddrs,
	}
}

func TestService_SignsNativeTransferSingle(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)
	signedTx := store.NewSignedTxRepo(db)

	keys, addrs := testutil.NewStaticKeyProvider("polygon")
	signerAddr := common.HexToAddress(addrs["polygon"])

	rpc := testutil.NewFakeRPC()
	rpc.SetPendingNonce(signerAddr, 7)
	registry := chain.NewStaticRegistry(map[string]chain.RPC{"polygon/mainnet": rpc})
	fees := chain.NewFeeCache(registry, time.Second)
	nonces := testutil.NewMemNonceAllocator()

	tokens := domain.NewStaticTokenRegistry([]domain.SupportedToken{
		{Chain: "polygon", Network: "mainnet", Symbol: "MATIC", Address: "", Decimals: 18},
	})

	bus := testutil.NewMemBus(5)
	reqQueue := bus.Queue("tx-request")
	signedQueue := bus.Queue("signed-tx")

	svc := signer.NewService(requests, signedTx, registry, fees, nonces, keys, tokens, reqQueue, signedQueue, testParams(map[string]string{"polygon": addrs["polygon"]}), log.New())

	req := &domain.WithdrawalRequest{
		RequestID: "req-1", Amount: "1.5", AmountBaseUnit: "1500000000000000000",
		ToAddress: "0x2222222222222222222222222222222222222222", Chain: "polygon", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, reqQueue.Publish(context.Background(), req.RequestID, domain.TxRequestMessage{
		RequestID: req.RequestID, Amount: "1.5", ToAddress: req.ToAddress, Chain: "polygon", Network: "mainnet",
	}))

	runCtx, runCancel := context.WithCancel(context.Background())
	go func() {
		svc.Run(runCtx)
	}()
	require.Eventually(t, func() bool {
		updated, err := requests.Get(context.Background(), req.RequestID)
		return err == nil && updated.Status == domain.StatusSigned
	}, 2*time.Second, 10*time.Millisecond)
	runCancel()

	updated, err := requests.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSigned, updated.Status)

	signedEnvs, err := signedQueue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, signedEnvs, 1)

	var out domain.SignedTxMessage
	require.NoError(t, signedEnvs[0].Decode(&out))
	require.Equal(t, req.RequestID, out.RequestID)
	require.NotEmpty(t, out.RawTransaction)

	tx, err := signing.DecodeRaw(common.Hex2Bytes(out.RawTransaction))
	require.NoError(t, err)
	require.Equal(t, uint64(7), tx.Nonce())
}
