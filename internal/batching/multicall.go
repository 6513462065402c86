package batching

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
)

// multicall3ABI covers only the single entry point this pipeline needs:
// aggregate3, which lets each call independently succeed or fail
// (allowFailure) so one bad transferFrom (e.g. an approval that was
// revoked) doesn't revert every other transfer in the batch.
var multicall3ABI = mustParseMulticallABI(`[{
	"inputs":[{"components":[
		{"internalType":"address","name":"target","type":"address"},
		{"internalType":"bool","name":"allowFailure","type":"bool"},
		{"internalType":"bytes","name":"callData","type":"bytes"}
	],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],
	"name":"aggregate3",
	"outputs":[{"components":[
		{"internalType":"bool","name":"success","type":"bool"},
		{"internalType":"bytes","name":"returnData","type":"bytes"}
	],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],
	"stateMutability":"payable","type":"function"
}]`)

func mustParseMulticallABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("batching: invalid embedded multicall3 ABI: " + err.Error())
	}
	return parsed
}

// call3 mirrors the Multicall3.Call3 tuple's Go-side shape for abi.Pack.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// PackAggregate3 builds the calldata for one Multicall3.aggregate3 call
// moving every candidate's tokens via transferFrom(custodialWallet, to,
// amount), keyed by the group's token address. allowFailure is true for
// every leg, so a single reverted leg does not revert the whole batch.
// The monitor judges a batch by its receipt status alone and does not
// inspect per-call Result.success, so a failed leg inside a successful
// batch is not reported as FAILED.
func PackAggregate3(tokenAddress common.Address, from common.Address, legs []Candidate) ([]byte, error) {
	calls := make([]call3, 0, len(legs))
	for _, leg := range legs {
		data, err := signing.PackERC20TransferFrom(from, leg.To, leg.Amount)
		if err != nil {
			return nil, fmt.Errorf("pack transferFrom for request %s: %w", leg.RequestID, err)
		}
		calls = append(calls, call3{Target: tokenAddress, AllowFailure: true, CallData: data})
	}
	packed, err := multicall3ABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return packed, nil
}

// TotalValue is always zero for this pipeline's batches: every leg is an
// ERC-20 transferFrom, never a native-value-bearing call.
func TotalValue() *big.Int { return big.NewInt(0) }
