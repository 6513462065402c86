package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue and DeadLetterQueue on top of a single
// redis.Client, modeling visibility timeouts with a "ready" sorted set
// (scored by earliest-available unix-milli timestamp) and an "invisible"
// sorted set (scored by the deadline a dequeued message must be
// reclaimed by if its consumer never acks/nacks it — the crash-recovery
// path a real broker's visibility timeout provides for free).
//
// Message bodies live in a plain hash keyed by message ID; the two
// sorted sets hold only IDs, keeping the atomic Lua scripts small.
type RedisQueue struct {
	rdb            *redis.Client
	name           string
	visibility     time.Duration
	maxDeliveries  int
	dlq            *RedisQueue // nil for a queue that IS a DLQ
}

// NewRedisQueue constructs a queue bound to name. visibility controls
// how long a received message is hidden from other consumers before
// being eligible for reclaim; maxDeliveries is the redelivery count
// after which Nack moves the message to its companion DLQ instead of
// returning it to ready.
func NewRedisQueue(rdb *redis.Client, name string, visibility time.Duration, maxDeliveries int) *RedisQueue {
	q := &RedisQueue{rdb: rdb, name: name, visibility: visibility, maxDeliveries: maxDeliveries}
	q.dlq = &RedisQueue{rdb: rdb, name: DLQName(name), visibility: visibility, maxDeliveries: maxDeliveries}
	return q
}

// DLQ returns the companion dead-letter queue, itself a RedisQueue
// satisfying DeadLetterQueue once wrapped by RedisDLQ.
func (q *RedisQueue) DLQ() *RedisDLQ { return &RedisDLQ{RedisQueue: q.dlq, origin: q} }

func (q *RedisQueue) readyKey() string      { return "queue:" + q.name + ":ready" }
func (q *RedisQueue) invisibleKey() string  { return "queue:" + q.name + ":invisible" }
func (q *RedisQueue) bodyKey() string       { return "queue:" + q.name + ":body" }
func (q *RedisQueue) tryCountKey() string   { return "queue:" + q.name + ":tries" }
func (q *RedisQueue) firstSeenKey() string  { return "queue:" + q.name + ":firstseen" }

// publishScript adds a message ID to the ready set at the given score,
// stores its body, and seeds bookkeeping hashes, all atomically so a
// concurrent Receive never observes a body-less ID.
var publishScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[2], '0')
redis.call('HSET', KEYS[5], ARGV[2], ARGV[1])
return 1
`)

func (q *RedisQueue) Publish(ctx context.Context, key string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message body: %w", err)
	}
	id := uuid.NewString()
	now := float64(time.Now().UnixMilli())
	return q.publishScript(ctx, id, now, raw)
}

func (q *RedisQueue) publishScript(ctx context.Context, id string, score float64, raw []byte) error {
	return publishScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.bodyKey(), q.invisibleKey(), q.tryCountKey(), q.firstSeenKey()},
		score, id, raw,
	).Err()
}

// reclaimScript moves every invisible-set member whose deadline has
// passed back into the ready set, leaving bodies and try-counts intact.
// Run at the top of every Receive so a crashed consumer's in-flight
// messages become redeliverable without a separate sweeper goroutine.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #expired
`)

func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	return reclaimScript.Run(ctx, q.rdb, []string{q.invisibleKey(), q.readyKey()}, now).Err()
}

// receiveScript pops up to ARGV[2] ready IDs whose score <= ARGV[1],
// moves each into the invisible set scored by ARGV[3] (now + visibility
// deadline), and returns their IDs plus bodies plus current try counts.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[3], ARGV[3], id)
  local body = redis.call('HGET', KEYS[2], id)
  local tries = redis.call('HGET', KEYS[4], id)
  local firstSeen = redis.call('HGET', KEYS[5], id)
  table.insert(out, id)
  table.insert(out, body)
  table.insert(out, tries)
  table.insert(out, firstSeen)
end
return out
`)

func (q *RedisQueue) Receive(ctx context.Context, max int, waitFor time.Duration) ([]Envelope, error) {
	deadline := time.Now().Add(waitFor)
	for {
		if err := q.reclaimExpired(ctx); err != nil {
			return nil, fmt.Errorf("reclaim expired messages: %w", err)
		}
		now := time.Now()
		result, err := receiveScript.Run(ctx, q.rdb,
			[]string{q.readyKey(), q.bodyKey(), q.invisibleKey(), q.tryCountKey(), q.firstSeenKey()},
			float64(now.UnixMilli()), max, float64(now.Add(q.visibility).UnixMilli()),
		).Slice()
		if err != nil {
			return nil, fmt.Errorf("receive from %s: %w", q.name, err)
		}
		envs := decodeReceiveResult(result)
		if len(envs) > 0 || time.Now().After(deadline) {
			return envs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func decodeReceiveResult(result []any) []Envelope {
	envs := make([]Envelope, 0, len(result)/4)
	for i := 0; i+3 < len(result); i += 4 {
		id, _ := result[i].(string)
		body, _ := result[i+1].(string)
		tries, _ := result[i+2].(string)
		firstSeen, _ := result[i+3].(string)
		env := Envelope{
			MessageID:     id,
			Body:          json.RawMessage(body),
			ReceiptHandle: id,
			TryCount:      atoiOrZero(tries),
			FirstSeenAt:   millisOrNow(firstSeen),
		}
		envs = append(envs, env)
	}
	return envs
}

// ackScript permanently removes a message's bookkeeping.
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

func (q *RedisQueue) Ack(ctx context.Context, env Envelope) error {
	return ackScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.invisibleKey(), q.bodyKey(), q.tryCountKey(), q.firstSeenKey()},
		env.ReceiptHandle,
	).Err()
}

// nackScript increments the try count; if it is still below maxDeliveries
// the message returns to ready immediately, otherwise its ID and body are
// left in place for the caller to move to the DLQ (Go-side, since moving
// across two different queues' keyspaces is simpler outside Lua).
var nackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local tries = redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
if tries < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 0
end
return 1
`)

func (q *RedisQueue) Nack(ctx context.Context, env Envelope) error {
	now := float64(time.Now().UnixMilli())
	exhausted, err := nackScript.Run(ctx, q.rdb,
		[]string{q.invisibleKey(), q.readyKey(), q.tryCountKey()},
		env.ReceiptHandle, q.maxDeliveries, now,
	).Int()
	if err != nil {
		return fmt.Errorf("nack on %s: %w", q.name, err)
	}
	if exhausted == 0 {
		return nil
	}
	body, err := q.rdb.HGet(ctx, q.bodyKey(), env.ReceiptHandle).Result()
	if err != nil {
		return fmt.Errorf("load exhausted message body: %w", err)
	}
	var raw json.RawMessage = []byte(body)
	if err := q.dlq.publishScript(ctx, env.ReceiptHandle, now, raw); err != nil {
		return fmt.Errorf("publish to dlq %s: %w", q.dlq.name, err)
	}
	if err := q.rdb.HDel(ctx, q.bodyKey(), env.ReceiptHandle).Err(); err != nil {
		return fmt.Errorf("clear exhausted message body: %w", err)
	}
	if err := q.rdb.HDel(ctx, q.tryCountKey(), env.ReceiptHandle).Err(); err != nil {
		return fmt.Errorf("clear exhausted message try count: %w", err)
	}
	return q.rdb.HDel(ctx, q.firstSeenKey(), env.ReceiptHandle).Err()
}

// RedisDLQ adapts a RedisQueue that IS a DLQ into the DeadLetterQueue
// contract, knowing which upstream queue to requeue successfully
// rescheduled messages back onto.
type RedisDLQ struct {
	*RedisQueue
	origin *RedisQueue
}

func (d *RedisDLQ) Requeue(ctx context.Context, upstream string, key string, body any, delay time.Duration) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal requeue body: %w", err)
	}
	id := uuid.NewString()
	score := float64(time.Now().Add(delay).UnixMilli())
	target := d.origin
	if target.name != upstream {
		// Allow requeueing to a differently-named upstream than the one
		// this DLQ was constructed from, for flexibility in tests.
		target = NewRedisQueue(d.rdb, upstream, d.visibility, d.maxDeliveries)
	}
	return target.publishScript(ctx, id, score, raw)
}

func atoiOrZero(s string) int {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0
	}
	return n
}

func millisOrNow(s string) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
