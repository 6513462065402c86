// Package testutil provides fakes shared across the service packages'
// tests: an in-memory chain.RPC recording mock and an in-memory
// queue.Queue, so signer/broadcaster/monitor/dlq tests exercise real
// control flow without a live node or Redis (mirroring the recording
// mock pattern geth-14-mempool-sim uses for its own unit tests).
package testutil

import (
	"context"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeRPC implements chain.RPC entirely in memory. Every field has a
// sane zero-value default; tests override only what they need.
type FakeRPC struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	PendingNonce map[common.Address]uint64
	TipCap       *big.Int
	Header       *types.Header
	GasEstimate  uint64
	BlockNum     uint64
	Receipts     map[common.Hash]*types.Receipt

	SentTxs []*types.Transaction
	// SendErr, when set, is returned from every SendTransaction call.
	SendErr error
}

// NewFakeRPC returns a FakeRPC with reasonable non-zero defaults for a
// chain running EIP-1559 (a non-nil BaseFee header).
func NewFakeRPC() *FakeRPC {
	return &FakeRPC{
		ChainIDValue: big.NewInt(137),
		PendingNonce: make(map[common.Address]uint64),
		TipCap:       big.NewInt(1_500_000_000),
		Header:       &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(30_000_000_000)},
		GasEstimate:  65_000,
		BlockNum:     100,
		Receipts:     make(map[common.Hash]*types.Receipt),
	}
}

func (f *FakeRPC) ChainID(ctx context.Context) (*big.Int, error) { return f.ChainIDValue, nil }

func (f *FakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PendingNonce[account], nil
}

func (f *FakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.TipCap, nil }

func (f *FakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.Header, nil
}

func (f *FakeRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.GasEstimate, nil
}

func (f *FakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentTxs = append(f.SentTxs, tx)
	return nil
}

func (f *FakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BlockNum, nil
}

// SetReceipt registers a receipt to be returned for txHash, for tests
// driving the monitor through a confirmation.
func (f *FakeRPC) SetReceipt(txHash common.Hash, status uint64, blockNumber, gasUsed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[txHash] = &types.Receipt{
		TxHash: txHash, Status: status, BlockNumber: big.NewInt(int64(blockNumber)), GasUsed: gasUsed,
	}
}

// ClearReceipt removes a previously registered receipt, so a later
// TransactionReceipt call goes back to returning ethereum.NotFound —
// simulating a reorg evicting the block the receipt was mined in.
func (f *FakeRPC) ClearReceipt(txHash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Receipts, txHash)
}

// SetPendingNonce primes the on-chain nonce PendingNonceAt reports for account.
func (f *FakeRPC) SetPendingNonce(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PendingNonce[account] = nonce
}
