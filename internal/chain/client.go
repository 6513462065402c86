// Package chain wraps the go-ethereum RPC client surface the pipeline
// needs behind a narrow interface, so the signing worker, broadcaster,
// and monitor can be tested against a recording mock instead of a live
// node — the mechanism spec §8's P3 (ordered submission) property test
// depends on.
package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPC is the subset of ethclient.Client's surface the pipeline calls.
// *ethclient.Client satisfies this interface directly, so production
// wiring needs no adapter.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Registry resolves an RPC client for a (chain, network) pair. Concrete
// construction (which endpoint, API key, websocket-vs-http) is an
// operator/config concern outside this package per spec §1's RPC
// client library boundary.
type Registry interface {
	Client(chain, network string) (RPC, error)
}

// StaticRegistry is the simplest Registry: a fixed map populated once at
// startup from configuration, adequate since the pipeline's chain set
// changes on an operational, not per-request, cadence.
type StaticRegistry struct {
	clients map[string]RPC
}

// NewStaticRegistry builds a registry from pre-dialed clients keyed by
// "chain/network".
func NewStaticRegistry(clients map[string]RPC) *StaticRegistry {
	return &StaticRegistry{clients: clients}
}

func (r *StaticRegistry) Client(chain, network string) (RPC, error) {
	c, ok := r.clients[chain+"/"+network]
	if !ok {
		return nil, errUnsupportedChain(chain, network)
	}
	return c, nil
}

type unsupportedChainError struct{ chain, network string }

func (e unsupportedChainError) Error() string {
	return "chain: no RPC client registered for " + e.chain + "/" + e.network
}

func errUnsupportedChain(chain, network string) error {
	return unsupportedChainError{chain: chain, network: network}
}
