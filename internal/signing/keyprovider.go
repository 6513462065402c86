package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// StaticKeyProvider resolves a custodial private key from a fixed,
// process-startup-loaded map, mirroring geth-03-keys-addresses'
// crypto.HexToECDSA usage. Production deployments populate this from
// whatever secrets manager holds the custodial keys (spec §1's key
// management boundary); this type only needs already-resolved hex keys.
type StaticKeyProvider struct {
	keys map[string]*ecdsa.PrivateKey // keyed by chain
}

// NewStaticKeyProvider parses one hex private key per chain.
func NewStaticKeyProvider(hexKeysByChain map[string]string) (*StaticKeyProvider, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(hexKeysByChain))
	for chainName, hexKey := range hexKeysByChain {
		priv, err := crypto.HexToECDSA(trim0x(hexKey))
		if err != nil {
			return nil, fmt.Errorf("parse signer key for chain %s: %w", chainName, err)
		}
		keys[chainName] = priv
	}
	return &StaticKeyProvider{keys: keys}, nil
}

func trim0x(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (p *StaticKeyProvider) PrivateKey(ctx context.Context, chain, signerAddress string) (*ecdsa.PrivateKey, error) {
	priv, ok := p.keys[chain]
	if !ok {
		return nil, fmt.Errorf("no signer key configured for chain %s", chain)
	}
	return priv, nil
}
