// Package dlq implements the DLQ Handler (spec §4.5): once an upstream
// queue's consumer exhausts its delivery attempts, the broker moves the
// message onto that queue's companion dead-letter queue wrapped in a
// domain.DLQEnvelope. This package classifies the failure, schedules an
// exponential-backoff requeue for recoverable kinds, and marks the
// owning WithdrawalRequest permanently FAILED for everything else.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// Params bundles the DLQ handler's backoff tunables (spec §4.5/§6).
type Params struct {
	ReceiveBatchSize  int
	LongPollTimeout   time.Duration
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	MaxRetryAttempts  int
	// MaxUnknownRetryAttempts bounds UNKNOWN-kind failures separately
	// and more tightly than MaxRetryAttempts: spec §4.5 treats UNKNOWN as
	// transient up to a smaller attempt count, then escalates to
	// permanent failure rather than retrying it as persistently as a
	// classified NETWORK error. Defaults to MaxRetryAttempts/2 (minimum
	// 1) when left zero.
	MaxUnknownRetryAttempts int
}

// attemptBound returns the retry-attempt ceiling for the given error
// kind: UNKNOWN gets a reduced bound so an unclassified failure doesn't
// retry indefinitely just because it wasn't recognized.
func (p Params) attemptBound(kind errs.Kind) int {
	if kind != errs.Unknown {
		return p.MaxRetryAttempts
	}
	if p.MaxUnknownRetryAttempts > 0 {
		return p.MaxUnknownRetryAttempts
	}
	if bound := p.MaxRetryAttempts / 2; bound > 0 {
		return bound
	}
	return 1
}

// Backoff computes the delay before the attempt'th requeue (1-indexed:
// attempt 1 is the first redelivery after the original failure),
// following the doubling schedule spec §4.5 specifies: delay = min(max,
// initial * multiplier^(attempt-1)).
func (p Params) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialRetryDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	if d := time.Duration(delay); d < p.MaxRetryDelay {
		return d
	}
	return p.MaxRetryDelay
}

// Service is the DLQ Handler for one upstream queue.
type Service struct {
	upstream string
	dlq      queue.DeadLetterQueue
	requests *store.RequestRepo
	params   Params
	log      log.Logger
}

func NewService(upstream string, dlq queue.DeadLetterQueue, requests *store.RequestRepo, params Params, logger log.Logger) *Service {
	return &Service{upstream: upstream, dlq: dlq, requests: requests, params: params, log: logger}
}

// Run receives DLQEnvelope batches off the dead-letter queue until ctx
// is cancelled, dispatching each to requeue-with-backoff or
// permanent-fail depending on the wrapped error kind.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		envs, err := s.dlq.Receive(ctx, s.params.ReceiveBatchSize, s.params.LongPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("receive dlq batch failed", "upstream", s.upstream, "err", err)
			continue
		}
		for _, env := range envs {
			s.process(ctx, env)
		}
	}
}

func (s *Service) process(ctx context.Context, env queue.Envelope) {
	var wrapper domain.DLQEnvelope
	if err := env.Decode(&wrapper); err != nil {
		s.log.Error("decode dlq envelope failed, dropping", "upstream", s.upstream, "err", err)
		_ = s.dlq.Ack(ctx, env)
		return
	}

	kind := errs.Kind(wrapper.ErrorKind)
	requestID, batchID := extractIDs(wrapper.Body)

	if !kind.Retryable() || wrapper.Attempts >= s.params.attemptBound(kind) {
		s.failPermanently(ctx, requestID, batchID, wrapper.ErrorMessage)
		_ = s.dlq.Ack(ctx, env)
		return
	}

	delay := s.params.Backoff(wrapper.Attempts)
	if err := s.dlq.Requeue(ctx, s.upstream, env.MessageID, json.RawMessage(wrapper.Body), delay); err != nil {
		s.log.Error("requeue dlq message failed", "upstream", s.upstream, "err", err)
		_ = s.dlq.Nack(ctx, env)
		return
	}
	s.log.Warn("requeued failed message after backoff", "upstream", s.upstream, "attempts", wrapper.Attempts, "delay", delay)
	_ = s.dlq.Ack(ctx, env)
}

// extractIDs pulls requestId/batchId out of the wrapped message body
// without needing to know which of the three message schemas it is;
// every one of them carries one or both fields under these JSON keys.
func extractIDs(body json.RawMessage) (requestID, batchID string) {
	var probe struct {
		RequestID  string   `json:"requestId"`
		BatchID    string   `json:"batchId"`
		RequestIDs []string `json:"requestIds"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", ""
	}
	return probe.RequestID, probe.BatchID
}

func (s *Service) failPermanently(ctx context.Context, requestID, batchID, reason string) {
	if requestID != "" {
		s.failOne(ctx, requestID, reason)
		return
	}
	if batchID == "" {
		return
	}
	reqs, err := s.requests.ListByBatch(ctx, batchID)
	if err != nil {
		s.log.Error("list batch requests for permanent failure failed", "batchId", batchID, "err", err)
		return
	}
	for _, r := range reqs {
		s.failOne(ctx, r.RequestID, reason)
	}
}

// failOne transitions a request straight to FAILED from whatever
// non-terminal status it's currently in. The status DAG allows FAILED
// from every non-terminal state (spec §3), so this re-reads the current
// status rather than assuming which stage the request was in when its
// message landed on the DLQ.
func (s *Service) failOne(ctx context.Context, requestID, reason string) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		s.log.Error("load request for permanent failure failed", "requestId", requestID, "err", err)
		return
	}
	if req.Status.IsTerminal() {
		return
	}
	if err := s.requests.UpdateStatus(ctx, requestID, req.Status, domain.StatusFailed, reason); err != nil {
		s.log.Error("mark request permanently failed failed", "requestId", requestID, "err", err)
	}
}
