package monitor_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/monitor"
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

type recordingAlertSink struct{ alerts []string }

func (s *recordingAlertSink) Alert(ctx context.Context, requestID, txHash, message string) {
	s.alerts = append(s.alerts, requestID)
}

func TestService_ConfirmsTransactionPastRequiredDepth(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)
	senttx := store.NewSentTxRepo(db)

	txHash := "0x" + "11"
	rpc := testutil.NewFakeRPC()
	rpc.BlockNum = 120
	rpc.SetReceipt(common.HexToHash(txHash), 1, 100, 21_000) // 21 confirmations, ethereum policy needs 12

	registry := chain.NewStaticRegistry(map[string]chain.RPC{"ethereum/mainnet": rpc})
	bus := testutil.NewMemBus(5)
	broadcastQueue := bus.Queue("broadcast-tx")

	req := &domain.WithdrawalRequest{
		RequestID: "req-1", Amount: "1", AmountBaseUnit: "1000000000000000000",
		ToAddress: "0x2222222222222222222222222222222222222222", Chain: "ethereum", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusPending, domain.StatusValidating, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusValidating, domain.StatusSigned, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusSigned, domain.StatusBroadcasting, ""))

	require.NoError(t, broadcastQueue.Publish(context.Background(), req.RequestID, domain.BroadcastTxMessage{
		RequestID: req.RequestID, Chain: "ethereum", Network: "mainnet", TxHash: txHash, From: "0x1111111111111111111111111111111111111111", Nonce: 0,
	}))

	alerts := &recordingAlertSink{}
	params := monitor.DefaultParams()
	params.LongPollTimeout = 5 * time.Millisecond
	params.PollIntervalStart = 5 * time.Millisecond
	params.PollIntervalMax = 10 * time.Millisecond

	svc := monitor.NewService(broadcastQueue, registry, senttx, requests, alerts, params, log.New())

	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		updated, err := requests.Get(context.Background(), req.RequestID)
		return err == nil && updated.Status == domain.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	sent, err := senttx.FindBySignedHash(context.Background(), txHash)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, sent.Status)
	require.Empty(t, alerts.alerts)
}

func TestService_AlertsAfterPendingThreshold(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)
	senttx := store.NewSentTxRepo(db)

	txHash := "0x" + "22"
	rpc := testutil.NewFakeRPC() // no receipt registered: TransactionReceipt always returns NotFound

	registry := chain.NewStaticRegistry(map[string]chain.RPC{"ethereum/mainnet": rpc})
	bus := testutil.NewMemBus(5)
	broadcastQueue := bus.Queue("broadcast-tx")

	req := &domain.WithdrawalRequest{
		RequestID: "req-2", Amount: "1", AmountBaseUnit: "1000000000000000000",
		ToAddress: "0x2222222222222222222222222222222222222222", Chain: "ethereum", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusPending, domain.StatusValidating, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusValidating, domain.StatusSigned, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusSigned, domain.StatusBroadcasting, ""))

	require.NoError(t, broadcastQueue.Publish(context.Background(), req.RequestID, domain.BroadcastTxMessage{
		RequestID: req.RequestID, Chain: "ethereum", Network: "mainnet", TxHash: txHash, From: "0x1111111111111111111111111111111111111111", Nonce: 0,
	}))

	alerts := &recordingAlertSink{}
	params := monitor.DefaultParams()
	params.LongPollTimeout = 5 * time.Millisecond
	params.PollIntervalStart = 5 * time.Millisecond
	params.PollIntervalMax = 5 * time.Millisecond
	params.PendingAlertThreshold = 10 * time.Millisecond

	svc := monitor.NewService(broadcastQueue, registry, senttx, requests, alerts, params, log.New())

	runCtx, cancel := context.WithCancel(context.Background())
	go svc.Run(runCtx)

	require.Eventually(t, func() bool {
		return len(alerts.alerts) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	require.Equal(t, []string{req.RequestID}, alerts.alerts)
}

// TestService_RestartsMonitoringWhenReceiptDisappears exercises the
// "receipt seen then gone" reorg signature: a receipt appears (short of
// the required confirmation depth, so the tx isn't finalized yet), then
// vanishes again. pollOne must treat that as a reorg and re-arm tracking
// via RestartMonitoring rather than confirming the request on stale data
// or silently stopping. Re-arming resets the pending-alert clock, so an
// alert firing after the restart (rather than immediately, relative to
// the original broadcast time) is evidence the entry was actually reset
// and polling continued rather than getting stuck.
func TestService_RestartsMonitoringWhenReceiptDisappears(t *testing.T) {
	db := testDB(t)
	requests := store.NewRequestRepo(db)
	senttx := store.NewSentTxRepo(db)

	txHash := "0x" + "33"
	rpc := testutil.NewFakeRPC()
	rpc.BlockNum = 105 // ethereum policy needs 12 confirmations; receipt below gives 6

	registry := chain.NewStaticRegistry(map[string]chain.RPC{"ethereum/mainnet": rpc})
	bus := testutil.NewMemBus(5)
	broadcastQueue := bus.Queue("broadcast-tx")

	req := &domain.WithdrawalRequest{
		RequestID: "req-3", Amount: "1", AmountBaseUnit: "1000000000000000000",
		ToAddress: "0x2222222222222222222222222222222222222222", Chain: "ethereum", Network: "mainnet",
	}
	require.NoError(t, requests.CreateTx(context.Background(), db, req))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusPending, domain.StatusValidating, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusValidating, domain.StatusSigned, ""))
	require.NoError(t, requests.UpdateStatus(context.Background(), req.RequestID, domain.StatusSigned, domain.StatusBroadcasting, ""))

	require.NoError(t, broadcastQueue.Publish(context.Background(), req.RequestID, domain.BroadcastTxMessage{
		RequestID: req.RequestID, Chain: "ethereum", Network: "mainnet", TxHash: txHash, From: "0x1111111111111111111111111111111111111111", Nonce: 0,
	}))

	alerts := &recordingAlertSink{}
	params := monitor.DefaultParams()
	params.LongPollTimeout = 5 * time.Millisecond
	params.PollIntervalStart = 5 * time.Millisecond
	params.PollIntervalMax = 5 * time.Millisecond
	params.PendingAlertThreshold = 20 * time.Millisecond

	svc := monitor.NewService(broadcastQueue, registry, senttx, requests, alerts, params, log.New())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(runCtx)

	hash := common.HexToHash(txHash)
	time.Sleep(10 * time.Millisecond)
	rpc.SetReceipt(hash, 1, 100, 21_000)
	time.Sleep(15 * time.Millisecond) // let pollOne observe the receipt and record lastSeenBlock
	rpc.ClearReceipt(hash)

	// The entry must be re-armed (alert fires relative to the restart,
	// not the original broadcast) rather than the request ever being
	// confirmed on a receipt that no longer exists.
	require.Eventually(t, func() bool {
		return len(alerts.alerts) > 0
	}, 2*time.Second, 10*time.Millisecond)

	updated, err := requests.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, updated.Status)
}
