package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
)

type memMessage struct {
	id        string
	body      json.RawMessage
	tries     int
	firstSeen time.Time
}

// MemBus is an in-memory stand-in for the Redis broker, giving tests a
// deterministic queue.Queue/DeadLetterQueue without a live Redis
// instance. Messages never actually expire a visibility timeout here —
// Ack/Nack are the only way a received message leaves the in-flight set,
// which is sufficient for testing worker control flow rather than the
// broker's own crash-recovery behavior, which no test here exercises.
type MemBus struct {
	mu            sync.Mutex
	queues        map[string]*MemQueue
	maxDeliveries int
}

func NewMemBus(maxDeliveries int) *MemBus {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &MemBus{queues: make(map[string]*MemQueue), maxDeliveries: maxDeliveries}
}

// Queue returns (creating if needed) the named queue bound to this bus.
func (b *MemBus) Queue(name string) *MemQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &MemQueue{bus: b, name: name, inflight: make(map[string]memMessage)}
		b.queues[name] = q
	}
	return q
}

// DLQ returns the companion dead-letter queue for name, wrapped to
// satisfy queue.DeadLetterQueue.
func (b *MemBus) DLQ(name string) *MemDLQ {
	return &MemDLQ{MemQueue: b.Queue(queue.DLQName(name)), bus: b, upstream: name}
}

// MemQueue implements queue.Queue against a MemBus.
type MemQueue struct {
	bus  *MemBus
	name string

	mu       sync.Mutex
	ready    []memMessage
	inflight map[string]memMessage
}

func (q *MemQueue) Publish(ctx context.Context, key string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, memMessage{id: uuid.NewString(), body: raw, firstSeen: time.Now()})
	return nil
}

func (q *MemQueue) Receive(ctx context.Context, max int, waitFor time.Duration) ([]queue.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := max
	if n > len(q.ready) {
		n = len(q.ready)
	}
	out := make([]queue.Envelope, 0, n)
	for i := 0; i < n; i++ {
		m := q.ready[i]
		q.inflight[m.id] = m
		out = append(out, queue.Envelope{MessageID: m.id, Body: m.body, ReceiptHandle: m.id, TryCount: m.tries, FirstSeenAt: m.firstSeen})
	}
	q.ready = q.ready[n:]
	return out, nil
}

func (q *MemQueue) Ack(ctx context.Context, env queue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, env.ReceiptHandle)
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, env queue.Envelope) error {
	q.mu.Lock()
	m, ok := q.inflight[env.ReceiptHandle]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inflight, env.ReceiptHandle)
	m.tries++
	exhausted := m.tries >= q.bus.maxDeliveries
	if !exhausted {
		q.ready = append(q.ready, m)
	}
	q.mu.Unlock()

	if exhausted {
		return q.bus.Queue(queue.DLQName(q.name)).Publish(ctx, env.MessageID, json.RawMessage(m.body))
	}
	return nil
}

// Len reports how many messages currently sit in ready, for assertions.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// MemDLQ adapts a MemQueue that is itself a DLQ into queue.DeadLetterQueue.
type MemDLQ struct {
	*MemQueue
	bus      *MemBus
	upstream string
}

func (d *MemDLQ) Requeue(ctx context.Context, upstream string, key string, body any, delay time.Duration) error {
	return d.bus.Queue(upstream).Publish(ctx, key, body)
}
