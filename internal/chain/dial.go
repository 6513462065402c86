package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// DialRegistry dials one ethclient.Client per "chain/network" -> URL
// entry and wraps them in a StaticRegistry, the production counterpart
// to the in-memory registries tests build directly.
func DialRegistry(endpoints map[string]string) (*StaticRegistry, error) {
	clients := make(map[string]RPC, len(endpoints))
	for key, url := range endpoints {
		c, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial rpc endpoint %s (%s): %w", key, url, err)
		}
		clients[key] = c
	}
	return NewStaticRegistry(clients), nil
}
