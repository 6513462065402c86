package broadcaster_test

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/broadcaster"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
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

// signMessage builds a minimal but valid signed-tx message for nonce n,
// enough for the broadcaster to decode and submit it.
func signMessage(t *testing.T, keys *testutil.StaticKeyProvider, chainName, from string, nonce uint64) domain.SignedTxMessage {
	t.Helper()
	key, err := keys.PrivateKey(context.Background(), chainName, from)
	require.NoError(t, err)

	chainID := big.NewInt(137)
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	plan := signing.Plan{
		ChainID: chainID, Nonce: nonce, To: to, Value: big.NewInt(0), GasLimit: 21_000,
		SupportsEIP1559: true, MaxFeePerGas: big.NewInt(50_000_000_000), MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
	}
	tx := signing.Build(plan)
	signed, hash, err := signing.Sign(tx, chainID, key)
	require.NoError(t, err)
	raw, err := signing.EncodeRaw(signed)
	require.NoError(t, err)
	return domain.SignedTxMessage{
		Chain: chainName, Network: "mainnet", From: from, To: to.Hex(),
		Nonce: nonce, RawTransaction: common.Bytes2Hex(raw), TxHash: hash.Hex(),
	}
}

func TestService_BroadcastsInNonceOrderAfterOutOfOrderArrival(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)
	signedTx := store.NewSignedTxRepo(db)

	keys, addrs := testutil.NewStaticKeyProvider("polygon")
	from := addrs["polygon"]
	fromAddr := common.HexToAddress(from)

	rpc := testutil.NewFakeRPC()
	rpc.SetPendingNonce(fromAddr, 0)
	registry := chain.NewStaticRegistry(map[string]chain.RPC{"polygon/mainnet": rpc})
	nonces := testutil.NewMemNonceAllocator()

	bus := testutil.NewMemBus(5)
	signedQueue := bus.Queue("signed-tx")
	broadcastQueue := bus.Queue("broadcast-tx")

	svc := broadcaster.NewService(signedTx, requests, registry, nonces, keys, signedQueue, broadcastQueue,
		broadcaster.Params{ReceiveBatchSize: 10, LongPollTimeout: 10 * time.Millisecond, GapTimeout: time.Hour, FeeBumpMultiplierPercent: 110},
		log.New())

	msg0 := signMessage(t, keys, "polygon", from, 0)
	msg1 := signMessage(t, keys, "polygon", from, 1)
	// Publish nonce 1 before nonce 0 to exercise the out-of-order buffer.
	require.NoError(t, signedQueue.Publish(context.Background(), "b", msg1))
	require.NoError(t, signedQueue.Publish(context.Background(), "a", msg0))

	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		return len(rpc.SentTxs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	require.Equal(t, uint64(0), rpc.SentTxs[0].Nonce())
	require.Equal(t, uint64(1), rpc.SentTxs[1].Nonce())

	broadcastEnvs, err := broadcastQueue.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, broadcastEnvs, 2)
}
