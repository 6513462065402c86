package testutil

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
)

// StaticKeyProvider implements signing.KeyProvider from a fixed, in-memory
// keyset seeded at construction — adequate for tests that never exercise
// real secret-manager integration.
type StaticKeyProvider struct {
	keys map[string]*ecdsa.PrivateKey
}

// NewStaticKeyProvider generates one fresh key per chain name given and
// returns the provider alongside each chain's derived address (hex,
// lowercase chain key) for tests to wire into signer.Params.SignerAddresses.
func NewStaticKeyProvider(chains ...string) (*StaticKeyProvider, map[string]string) {
	p := &StaticKeyProvider{keys: make(map[string]*ecdsa.PrivateKey)}
	addrs := make(map[string]string, len(chains))
	for _, chainName := range chains {
		priv, err := crypto.GenerateKey()
		if err != nil {
			panic("testutil: generate key: " + err.Error())
		}
		addr := crypto.PubkeyToAddress(priv.PublicKey).Hex()
		p.keys[chainName+"|"+addr] = priv
		addrs[chainName] = addr
	}
	return p, addrs
}

func (p *StaticKeyProvider) PrivateKey(ctx context.Context, chain, signerAddress string) (*ecdsa.PrivateKey, error) {
	if priv, ok := p.keys[chain+"|"+signerAddress]; ok {
		return priv, nil
	}
	// Fall back to the single registered key for chain, if exactly one
	// exists, so tests that don't care about the exact address still work.
	var found *ecdsa.PrivateKey
	count := 0
	for k, priv := range p.keys {
		if len(k) > len(chain) && k[:len(chain)] == chain {
			found = priv
			count++
		}
	}
	if count == 1 {
		return found, nil
	}
	return nil, errNoKey{chain: chain, addr: signerAddress}
}

type errNoKey struct{ chain, addr string }

func (e errNoKey) Error() string {
	return "testutil: no key registered for " + e.chain + "/" + e.addr
}
