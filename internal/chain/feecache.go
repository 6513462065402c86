package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FeeData is the short-TTL-cached view of a chain's current fee market,
// per spec §4.2: "a short-TTL cache (1s) of the RPC-advertised fee data;
// apply a +10% tip to base fee for faster confirmation".
type FeeData struct {
	BaseFee    *big.Int
	TipCap     *big.Int // RPC-suggested priority tip, pre-bump
	FetchedAt  time.Time
}

// DefaultTTL is the spec's default fee-cache freshness window.
const DefaultTTL = time.Second

// DefaultTipBumpPercent is GAS_TIP_PERCENT's default (spec §6).
const DefaultTipBumpPercent = 10

// FeeCache fetches and caches FeeData per (chain, network), using
// singleflight so a cache-expiry stampede from many signing-worker
// goroutines collapses into one RPC round trip (the teacher's go.mod
// already pulls in golang.org/x/sync transitively via go-ethereum).
type FeeCache struct {
	registry Registry
	ttl      time.Duration
	group    singleflight.Group

	mu    sync.Mutex
	cache map[string]FeeData
}

// NewFeeCache constructs a cache with the given TTL; ttl<=0 uses DefaultTTL.
func NewFeeCache(registry Registry, ttl time.Duration) *FeeCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FeeCache{registry: registry, ttl: ttl, cache: make(map[string]FeeData)}
}

// Get returns current fee data for (chain, network), refreshing from RPC
// if the cached entry is older than the TTL or absent.
func (c *FeeCache) Get(ctx context.Context, chain, network string) (FeeData, error) {
	key := chain + "/" + network

	c.mu.Lock()
	cached, ok := c.cache[key]
	fresh := ok && time.Since(cached.FetchedAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, chain, network)
	})
	if err != nil {
		// Fall back to a stale cached value rather than failing a
		// signing cycle outright, if one exists — spec §4.2 only
		// mandates refreshing past TTL, not that a refresh failure is
		// itself fatal.
		if ok {
			return cached, nil
		}
		return FeeData{}, err
	}
	return v.(FeeData), nil
}

func (c *FeeCache) fetch(ctx context.Context, chain, network string) (FeeData, error) {
	client, err := c.registry.Client(chain, network)
	if err != nil {
		return FeeData{}, err
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeData{}, err
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeData{}, err
	}
	fd := FeeData{BaseFee: head.BaseFee, TipCap: tip, FetchedAt: time.Now()}

	c.mu.Lock()
	c.cache[chain+"/"+network] = fd
	c.mu.Unlock()
	return fd, nil
}

// BumpedTip applies GAS_TIP_PERCENT on top of the RPC-suggested tip.
func BumpedTip(tipCap *big.Int, bumpPercent int) *big.Int {
	bumped := new(big.Int).Mul(tipCap, big.NewInt(int64(100+bumpPercent)))
	return bumped.Div(bumped, big.NewInt(100))
}

// MaxFeePerGas computes a maxFeePerGas as baseFee*2 + tip, the common
// EIP-1559 heuristic that tolerates a couple of base-fee doublings
// before the transaction stops being includable.
func MaxFeePerGas(baseFee, tip *big.Int) *big.Int {
	doubled := new(big.Int).Mul(baseFee, big.NewInt(2))
	return doubled.Add(doubled, tip)
}

// BufferedGasLimit applies GAS_BUFFER_PERCENT on top of an estimate.
func BufferedGasLimit(estimate uint64, bufferPercent int) uint64 {
	return estimate * uint64(100+bufferPercent) / 100
}
