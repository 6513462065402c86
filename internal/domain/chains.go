package domain

import "strings"

// ChainNetwork identifies one of the supported (chain, network) pairs
// Ingress validates requests against (spec §4.1).
type ChainNetwork struct {
	Chain   string
	Network string
}

// ChainPolicy holds the per-chain confirmation count the Monitor requires
// before a SENT transaction is promoted to CONFIRMED, alongside a reorg
// window in blocks. The Monitor reads only Confirmations; ReorgWindow is
// carried in the table but nothing consults it. Exact values are an open
// question spec §9 explicitly declines to pin down from source; these
// are conservative defaults fixed in code, with no configuration
// override. Polygon PoS carries a
// materially larger window than Ethereum/BSC reflecting its history of
// multi-hundred-block reorgs prior to the Bor hardforks.
type ChainPolicy struct {
	Confirmations uint64
	ReorgWindow   uint64 // blocks
}

var defaultPolicies = map[string]ChainPolicy{
	"polygon":  {Confirmations: 128, ReorgWindow: 256},
	"ethereum": {Confirmations: 12, ReorgWindow: 64},
	"bsc":      {Confirmations: 15, ReorgWindow: 64},
}

// PolicyFor returns the default confirmation/reorg policy for chain,
// falling back to Ethereum-mainnet-conservative defaults for an unknown
// chain string (Ingress rejects unknown chains before they ever reach
// this lookup in normal operation).
func PolicyFor(chain string) ChainPolicy {
	if p, ok := defaultPolicies[strings.ToLower(chain)]; ok {
		return p
	}
	return ChainPolicy{Confirmations: 12, ReorgWindow: 64}
}

// SupportedToken describes one ERC-20 the pipeline knows how to move on
// a given (chain, network), or the native coin when Address is the zero
// address.
type SupportedToken struct {
	Chain     string
	Network   string
	Symbol    string
	Address   string // zero address for native
	Decimals  uint8
}

// TokenRegistry is the §4.1 "known supported ERC-20 on (chain, network)"
// source of truth. It is intentionally a narrow read interface so
// Ingress and the signing worker can share one implementation backed by
// either a static table or a DB-loaded one.
type TokenRegistry interface {
	Lookup(chain, network, tokenAddress string) (SupportedToken, bool)
	IsSupportedChainNetwork(chain, network string) bool
}

// StaticTokenRegistry is an in-memory TokenRegistry seeded at startup
// from configuration; adequate for the pipeline's needs since token
// lists change on an operational, not per-request, cadence.
type StaticTokenRegistry struct {
	tokens map[string]SupportedToken // key: chain|network|address(lower)
	chains map[string]bool           // key: chain|network
}

// NewStaticTokenRegistry builds a registry from a flat token list, always
// registering the native coin for every (chain, network) pair seen.
func NewStaticTokenRegistry(tokens []SupportedToken) *StaticTokenRegistry {
	r := &StaticTokenRegistry{
		tokens: make(map[string]SupportedToken, len(tokens)),
		chains: make(map[string]bool),
	}
	for _, t := range tokens {
		cn := strings.ToLower(t.Chain + "|" + t.Network)
		r.chains[cn] = true
		key := cn + "|" + strings.ToLower(t.Address)
		r.tokens[key] = t
		if t.Address == "" {
			r.tokens[cn+"|"+strings.ToLower(ZeroAddress)] = t
		}
	}
	for cn := range r.chains {
		native := cn + "|" + strings.ToLower(ZeroAddress)
		if _, ok := r.tokens[native]; !ok {
			chainName, network, _ := strings.Cut(cn, "|")
			r.tokens[native] = SupportedToken{Chain: chainName, Network: network, Address: ZeroAddress, Decimals: 18}
		}
	}
	return r
}

func (r *StaticTokenRegistry) Lookup(chain, network, tokenAddress string) (SupportedToken, bool) {
	if tokenAddress == "" {
		tokenAddress = ZeroAddress
	}
	key := strings.ToLower(chain + "|" + network + "|" + tokenAddress)
	t, ok := r.tokens[key]
	return t, ok
}

func (r *StaticTokenRegistry) IsSupportedChainNetwork(chain, network string) bool {
	return r.chains[strings.ToLower(chain+"|"+network)]
}
