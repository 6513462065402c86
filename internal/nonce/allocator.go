package nonce

import "context"

// Allocator is the nonce-coordination contract the signing worker and
// broadcaster program against. *Coordinator is the production
// implementation backed by Redis; tests substitute an in-memory one so
// signer/broadcaster control flow is exercisable without a live Redis.
type Allocator interface {
	Lock(chain, signer string) func()
	Acquire(ctx context.Context, chain, signer string, onChainPendingNonce uint64) (uint64, error)
	Release(ctx context.Context, chain, signer string, nonce uint64) error
	LastBroadcasted(ctx context.Context, chain, signer string) (uint64, bool, error)
	AdvanceLastBroadcasted(ctx context.Context, chain, signer string, nonce uint64) error
	PoolSize(ctx context.Context, chain, signer string) (int64, error)
}

var _ Allocator = (*Coordinator)(nil)
