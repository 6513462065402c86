// Package batching implements the per-receive-cycle decision of whether
// a group of same-token ERC-20 withdrawals should be folded into one
// Multicall3-style aggregate transaction, per spec §4.2.
package batching

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
)

// Candidate is one withdrawal request eligible for batching
// consideration — only non-native ERC-20 transfers are ever eligible;
// native-token transfers are always SINGLE per spec §4.2.
type Candidate struct {
	RequestID    string
	Chain        string
	Network      string
	TokenAddress string
	To           common.Address
	Amount       *big.Int
}

// GroupKey partitions candidates by (chain, network, tokenAddress).
type GroupKey struct {
	Chain        string
	Network      string
	TokenAddress string
}

func keyOf(c Candidate) GroupKey {
	return GroupKey{Chain: strings.ToLower(c.Chain), Network: strings.ToLower(c.Network), TokenAddress: strings.ToLower(c.TokenAddress)}
}

// Decision is the batching engine's verdict for one (chain, network,
// token) group within a receive cycle.
type Decision struct {
	Key                GroupKey
	Mode               domain.ProcessingMode
	Candidates         []Candidate
	EstimatedGasSingle uint64
	EstimatedGasBatch  uint64
	SavingsPercent     float64
}

// Params bundles the config knobs §6 enumerates for the batching engine.
type Params struct {
	BatchThreshold       int
	MinBatchSize         int
	MinGasSavingsPercent float64
	SingleTxGasEstimate  uint64
	BatchBaseGas         uint64
	BatchPerTxGas        uint64
	// PerChainGasLimit bounds a single batch's estimated gas so it never
	// risks exceeding a chain's block gas limit safety margin (spec
	// §4.2's "must also not exceed per-chain gas-limit safety margin").
	PerChainGasLimit uint64
}

// Decide partitions candidates into groups and returns one Decision per
// group, implementing P6: exactly one BATCH decision is emitted per
// group crossing both thresholds, and SINGLE otherwise.
func Decide(candidates []Candidate, p Params) []Decision {
	groups := make(map[GroupKey][]Candidate)
	order := make([]GroupKey, 0)
	for _, c := range candidates {
		k := keyOf(c)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	decisions := make([]Decision, 0, len(order))
	for _, k := range order {
		group := groups[k]
		decisions = append(decisions, decideGroup(k, group, p))
	}
	return decisions
}

func decideGroup(k GroupKey, group []Candidate, p Params) Decision {
	n := uint64(len(group))
	gasSingle := p.SingleTxGasEstimate * n
	gasBatch := p.BatchBaseGas + p.BatchPerTxGas*n

	d := Decision{
		Key:                k,
		Mode:               domain.ModeSingle,
		Candidates:         group,
		EstimatedGasSingle: gasSingle,
		EstimatedGasBatch:  gasBatch,
	}

	if len(group) < p.BatchThreshold {
		return d
	}
	if gasSingle == 0 {
		return d
	}
	savings := float64(gasSingle-gasBatch) / float64(gasSingle) * 100
	d.SavingsPercent = savings

	if savings < p.MinGasSavingsPercent {
		return d
	}
	if len(group) < p.MinBatchSize {
		return d
	}
	if p.PerChainGasLimit > 0 && gasBatch > p.PerChainGasLimit {
		return d
	}

	d.Mode = domain.ModeBatch
	return d
}
