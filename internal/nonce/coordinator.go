// Package nonce implements the cross-service nonce allocator/coordinator
// described in spec §4.3: a shared, crash-safe counter per (chain,
// signer) with a gap-recovery pool, backed by Redis so every signing-
// worker and broadcaster process can agree on state without a
// distributed lock beyond the atomic Lua scripts below.
package nonce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPoolTTL is the spec §3 sorted-set nonce pool TTL: a returned
// nonce older than this is assumed abandoned (its owning process is gone
// or its reservation window has long since passed) and is swept rather
// than handed out, which would otherwise let a resurrected acquirer race
// a filler transaction that already consumed the same slot.
const DefaultPoolTTL = 24 * time.Hour

// Coordinator is the process-local handle onto the shared Redis nonce
// state. Multiple processes may hold distinct (chain, signer) keys
// concurrently; within one process, Lock serializes broadcast actions
// for a single key per spec §4.3's concurrency discipline.
type Coordinator struct {
	rdb     *redis.Client
	poolTTL time.Duration
	local   *keyedMutex
}

// NewCoordinator constructs a Coordinator. poolTTL of 0 uses DefaultPoolTTL.
func NewCoordinator(rdb *redis.Client, poolTTL time.Duration) *Coordinator {
	if poolTTL <= 0 {
		poolTTL = DefaultPoolTTL
	}
	return &Coordinator{rdb: rdb, poolTTL: poolTTL, local: newKeyedMutex()}
}

func key(chain, signer string) string { return chain + ":" + signer }

func (c *Coordinator) lastKey(chain, signer string) string {
	return fmt.Sprintf("nonce:last:%s:%s", chain, signer)
}
func (c *Coordinator) issuedKey(chain, signer string) string {
	return fmt.Sprintf("nonce:issued:%s:%s", chain, signer)
}
func (c *Coordinator) poolKey(chain, signer string) string {
	return fmt.Sprintf("nonce_pool:%s:%s", chain, signer)
}
func (c *Coordinator) poolTSKey(chain, signer string) string {
	return fmt.Sprintf("nonce_pool_ts:%s:%s", chain, signer)
}

// Lock serializes all broadcast/acquire decisions for one (chain,
// signer) pair within this process. Callers must defer the returned
// unlock function.
func (c *Coordinator) Lock(chain, signer string) func() {
	return c.local.Lock(key(chain, signer))
}

// acquireScript sweeps pool members older than the TTL, then prefers the
// smallest remaining pooled nonce; failing that it issues
// max(onChainPendingNonce, lastIssued+1) and records the new high-water
// mark so a second concurrent acquirer never gets the same value.
var acquireScript = redis.NewScript(`
local pool = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, member in ipairs(pool) do
  local ts = redis.call('HGET', KEYS[2], member)
  if ts and (tonumber(ARGV[1]) - tonumber(ts)) > tonumber(ARGV[2]) then
    redis.call('ZREM', KEYS[1], member)
    redis.call('HDEL', KEYS[2], member)
  end
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] then
  redis.call('HDEL', KEYS[2], popped[1])
  return popped[1]
end
local issued = tonumber(redis.call('GET', KEYS[3]) or '-1')
local candidate = issued + 1
if tonumber(ARGV[3]) > candidate then
  candidate = tonumber(ARGV[3])
end
redis.call('SET', KEYS[3], candidate)
return tostring(candidate)
`)

// Acquire returns the next nonce to use for (chain, signer), preferring a
// reusable nonce from the pool, else max(onChainPendingNonce,
// lastIssued+1): the pending nonce is already the next unused one.
func (c *Coordinator) Acquire(ctx context.Context, chain, signer string, onChainPendingNonce uint64) (uint64, error) {
	now := time.Now().Unix()
	result, err := acquireScript.Run(ctx, c.rdb,
		[]string{c.poolKey(chain, signer), c.poolTSKey(chain, signer), c.issuedKey(chain, signer)},
		now, int64(c.poolTTL.Seconds()), onChainPendingNonce,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire nonce for %s/%s: %w", chain, signer, err)
	}
	s, ok := result.(string)
	if !ok {
		return 0, fmt.Errorf("acquire nonce for %s/%s: unexpected script result %T", chain, signer, result)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("acquire nonce for %s/%s: parse %q: %w", chain, signer, s, err)
	}
	return n, nil
}

// releaseScript adds a nonce back to the pool with the current timestamp
// so a future Acquire's sweep can age it out after the TTL.
var releaseScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Release returns a nonce to the reusable pool. Called on permanent
// signing failure (spec §4.2) or whenever an allocated nonce will never
// be consumed on-chain.
func (c *Coordinator) Release(ctx context.Context, chain, signer string, nonce uint64) error {
	now := time.Now().Unix()
	return releaseScript.Run(ctx, c.rdb,
		[]string{c.poolKey(chain, signer), c.poolTSKey(chain, signer)},
		nonce, now,
	).Err()
}

// LastBroadcasted reads the persisted lastBroadcastedNonce counter. The
// bool is false if no nonce has ever been broadcast for this signer.
func (c *Coordinator) LastBroadcasted(ctx context.Context, chain, signer string) (uint64, bool, error) {
	s, err := c.rdb.Get(ctx, c.lastKey(chain, signer)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last broadcasted nonce for %s/%s: %w", chain, signer, err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse last broadcasted nonce for %s/%s: %w", chain, signer, err)
	}
	return n, true, nil
}

// AdvanceLastBroadcasted persists nonce as the new lastBroadcastedNonce.
// Callers hold Lock(chain, signer) for the duration of the send+advance
// sequence so P3 (ordered submission) holds even under concurrent
// Receive loops within one process.
func (c *Coordinator) AdvanceLastBroadcasted(ctx context.Context, chain, signer string, nonce uint64) error {
	return c.rdb.Set(ctx, c.lastKey(chain, signer), nonce, 0).Err()
}

// PoolSize reports how many nonces currently sit in the reusable pool;
// a growing value marks a coordinator accumulating nonces it can't heal.
func (c *Coordinator) PoolSize(ctx context.Context, chain, signer string) (int64, error) {
	return c.rdb.ZCard(ctx, c.poolKey(chain, signer)).Result()
}
