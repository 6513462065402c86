package testutil

import (
	"context"
	"sync"
)

// MemNonceAllocator implements nonce.Allocator entirely in memory,
// enough to exercise signer/broadcaster control flow in tests without a
// live Redis instance.
type MemNonceAllocator struct {
	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	issued     map[string]uint64
	issuedSeen map[string]bool
	hasLast    map[string]bool
	last       map[string]uint64
	pool       map[string][]uint64
}

func NewMemNonceAllocator() *MemNonceAllocator {
	return &MemNonceAllocator{
		locks: make(map[string]*sync.Mutex), issued: make(map[string]uint64), issuedSeen: make(map[string]bool),
		hasLast: make(map[string]bool), last: make(map[string]uint64), pool: make(map[string][]uint64),
	}
}

func key(chain, signer string) string { return chain + ":" + signer }

func (a *MemNonceAllocator) Lock(chain, signer string) func() {
	a.mu.Lock()
	k := key(chain, signer)
	l, ok := a.locks[k]
	if !ok {
		l = &sync.Mutex{}
		a.locks[k] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (a *MemNonceAllocator) Acquire(ctx context.Context, chain, signer string, onChainPendingNonce uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(chain, signer)
	if pooled := a.pool[k]; len(pooled) > 0 {
		n := pooled[0]
		a.pool[k] = pooled[1:]
		return n, nil
	}
	candidate := onChainPendingNonce
	if a.issuedSeen[k] && a.issued[k]+1 > candidate {
		candidate = a.issued[k] + 1
	}
	a.issued[k] = candidate
	a.issuedSeen[k] = true
	return candidate, nil
}

func (a *MemNonceAllocator) Release(ctx context.Context, chain, signer string, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(chain, signer)
	a.pool[k] = append(a.pool[k], nonce)
	return nil
}

func (a *MemNonceAllocator) LastBroadcasted(ctx context.Context, chain, signer string) (uint64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(chain, signer)
	return a.last[k], a.hasLast[k], nil
}

func (a *MemNonceAllocator) AdvanceLastBroadcasted(ctx context.Context, chain, signer string, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(chain, signer)
	a.last[k] = nonce
	a.hasLast[k] = true
	return nil
}

func (a *MemNonceAllocator) PoolSize(ctx context.Context, chain, signer string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.pool[key(chain, signer)])), nil
}
