// Package signing builds and signs withdrawal transactions: native
// transfers, ERC-20 transfers, and (via internal/batching) Multicall3
// aggregations, following the EIP-1559-first / legacy-fallback approach
// geth-06-eip1559 demonstrates in the teacher repo.
package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
)

// KeyProvider resolves the custodial private key for a (chain, signer)
// pair. Concrete fetching from a secrets manager is an external
// collaborator per spec §1; this package only needs the resolved key.
type KeyProvider interface {
	PrivateKey(ctx context.Context, chain, signerAddress string) (*ecdsa.PrivateKey, error)
}

var erc20TransferABI = mustParseABI(`[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("signing: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// PackERC20Transfer encodes calldata for transfer(to, value), the call a
// single ERC-20 withdrawal uses; batch legs use PackERC20TransferFrom.
func PackERC20Transfer(to common.Address, value *big.Int) ([]byte, error) {
	data, err := erc20TransferABI.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("pack erc20 transfer: %w", err)
	}
	return data, nil
}

// PackERC20TransferFrom encodes calldata for transferFrom(from, to,
// value) — the call batched legs use when relayed through a Multicall3
// aggregator, since a plain transfer() invoked by the aggregator would
// move tokens out of the aggregator's own balance (msg.sender becomes
// the aggregator), not the custodial wallet's. This relies on the
// custodial wallet having pre-approved the aggregator's allowance; spec
// §9 notes that provisioning step is an operator responsibility the core
// does not manage.
func PackERC20TransferFrom(from, to common.Address, value *big.Int) ([]byte, error) {
	data, err := erc20TransferABI.Pack("transferFrom", from, to, value)
	if err != nil {
		return nil, fmt.Errorf("pack erc20 transferFrom: %w", err)
	}
	return data, nil
}

// Plan is everything Build needs to construct one transaction: either a
// native transfer (To=dest, Data=nil) or a contract call (To=token or
// aggregator, Data=packed calldata, Value=0 unless explicitly paying
// native value through the call).
type Plan struct {
	ChainID   *big.Int
	Nonce     uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	GasLimit  uint64
	SupportsEIP1559 bool
	MaxFeePerGas         *big.Int // EIP-1559
	MaxPriorityFeePerGas *big.Int // EIP-1559
	GasPrice             *big.Int // legacy
}

// Build constructs the unsigned transaction for plan, choosing
// DynamicFeeTx (EIP-1559, type 2) when the chain supports it, else
// LegacyTx — the module 05/06 split in the teacher repo, generalized
// into one function.
func Build(plan Plan) *types.Transaction {
	if plan.SupportsEIP1559 {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   plan.ChainID,
			Nonce:     plan.Nonce,
			GasTipCap: plan.MaxPriorityFeePerGas,
			GasFeeCap: plan.MaxFeePerGas,
			Gas:       plan.GasLimit,
			To:        &plan.To,
			Value:     plan.Value,
			Data:      plan.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    plan.Nonce,
		GasPrice: plan.GasPrice,
		Gas:      plan.GasLimit,
		To:       &plan.To,
		Value:    plan.Value,
		Data:     plan.Data,
	})
}

// Sign signs tx with priv using the latest signer for chainID (covering
// legacy, EIP-2930, and EIP-1559 transactions uniformly), returning the
// signed transaction and its keccak hash.
func Sign(tx *types.Transaction, chainID *big.Int, priv *ecdsa.PrivateKey) (*types.Transaction, common.Hash, error) {
	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, signed.Hash(), nil
}

// AddressFromKey derives the signer address for logging/lookup, the
// same crypto.PubkeyToAddress call geth-05-tx-nonces uses.
func AddressFromKey(priv *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(priv.PublicKey)
}

// EncodeRaw RLP-encodes a signed transaction for wire transport in the
// signed-tx queue message (spec §6's rawTransaction field).
func EncodeRaw(tx *types.Transaction) ([]byte, error) {
	return tx.MarshalBinary()
}

// DecodeRaw reconstitutes a transaction from its RLP-encoded bytes, the
// broadcaster's counterpart to EncodeRaw.
func DecodeRaw(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	return tx, nil
}

// ParseAmount converts a decimal amount string with up to `decimals`
// fractional digits into base units, the §4.1 parseUnits validation
// rule. It rejects negative, zero, non-numeric, and over-precise input.
func ParseAmount(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(amount, "-")
	if neg {
		return nil, fmt.Errorf("negative amount")
	}
	whole, frac, hasFrac := strings.Cut(amount, ".")
	if !isDigits(whole) || (hasFrac && !isDigits(frac)) {
		return nil, fmt.Errorf("invalid numeric amount %q", amount)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", amount, decimals)
	}
	for len(frac) < int(decimals) {
		frac += "0"
	}
	combined := whole + frac
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		return nil, fmt.Errorf("amount %q is zero", amount)
	}
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric amount %q", amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q is not positive", amount)
	}
	return value, nil
}

func isDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateAddress applies the §4.1 "hex-40 for EVM; checksum not
// required, case-insensitive match" rule.
func ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}

// IsNative reports whether tokenAddress denotes the chain's native coin.
func IsNative(tokenAddress string) bool {
	return tokenAddress == "" || strings.EqualFold(tokenAddress, domain.ZeroAddress)
}
