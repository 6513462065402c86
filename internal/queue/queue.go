// Package queue defines the message-bus contract the pipeline's five
// services communicate over: tx-request, signed-tx, broadcast-tx, and
// each stage's companion DLQ. Per spec §1, the physical bus is an
// external collaborator — "contractually any at-least-once queue with
// visibility timeouts and DLQ escalation" — so this package is first and
// foremost an interface. A Redis-backed implementation is included so
// the contract is exercisable end-to-end without standing up a real
// broker in tests.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the transient wrapper around a typed message body, held
// exclusively by one consumer during its visibility-timeout window (spec
// §3, "Queue message envelope").
type Envelope struct {
	MessageID     string
	Body          json.RawMessage
	ReceiptHandle string
	TryCount      int
	FirstSeenAt   time.Time
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}

// Outcome is what a consumer decides to do with a received envelope.
type Outcome int

const (
	// OutcomeAck permanently removes the message: either it succeeded or
	// it failed with a terminal (non-retryable) error kind.
	OutcomeAck Outcome = iota
	// OutcomeNack returns the message to the queue for redelivery,
	// incrementing TryCount. After MaxDeliveries the queue moves it to
	// the companion DLQ itself rather than requiring the caller to.
	OutcomeNack
)

// Queue is the narrow publish/consume contract every stage programs
// against. Producer and consumer sides are split so a service that only
// ever publishes (Ingress) doesn't need to satisfy Receive.
type Queue interface {
	Publisher
	Consumer
}

// Publisher enqueues typed messages, optionally keyed (spec requires
// tx-request messages be "keyed by requestId" so same-key ordering can
// be honored by a bus that supports it; the Redis implementation here
// uses the key only for logging/metrics, not partitioning).
type Publisher interface {
	Publish(ctx context.Context, key string, body any) error
}

// Consumer receives up to max messages, long-polling for waitFor before
// returning an empty batch (spec §4.2's up-to-20s long poll).
type Consumer interface {
	Receive(ctx context.Context, max int, waitFor time.Duration) ([]Envelope, error)
	Ack(ctx context.Context, env Envelope) error
	Nack(ctx context.Context, env Envelope) error
}

// DeadLetterQueue is the consumer-side contract the DLQ handler uses: it
// reads from a DLQ and, on successful reschedule, republishes to the
// named original upstream queue rather than to itself.
type DeadLetterQueue interface {
	Consumer
	// Requeue republishes body to the original upstream queue name after
	// delay, completing the DLQ handler's exponential-backoff reschedule
	// path (spec §4.5). A zero delay republishes immediately.
	Requeue(ctx context.Context, upstream string, key string, body any, delay time.Duration) error
}

// Names of the queues wired by spec §6. DLQ names are derived by
// DLQName.
const (
	TxRequest   = "tx-request"
	SignedTx    = "signed-tx"
	BroadcastTx = "broadcast-tx"
)

// DLQName returns the companion dead-letter queue name for an upstream
// queue.
func DLQName(upstream string) string { return upstream + "-dlq" }
