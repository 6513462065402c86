// Package monitor implements the Monitor stage (spec §4.4): it tracks
// every broadcast transaction until it reaches the chain's required
// confirmation depth, watching for a reorg that evicts it from the
// canonical chain along the way, and alerts when a transaction has sat
// unconfirmed past a threshold.
package monitor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// AlertSink is notified when a transaction has sat unconfirmed past the
// pending-alert threshold. A logging-only default satisfies the
// interface for deployments without a paging integration (spec §1's
// alerting/paging boundary).
type AlertSink interface {
	Alert(ctx context.Context, requestID, txHash, message string)
}

// LoggingAlertSink just logs at Warn level.
type LoggingAlertSink struct{ Log log.Logger }

func (s LoggingAlertSink) Alert(ctx context.Context, requestID, txHash, message string) {
	s.Log.Warn("withdrawal alert", "requestId", requestID, "txHash", txHash, "message", message)
}

// Params bundles the monitor's polling tunables (spec §4.4).
type Params struct {
	ReceiveBatchSize int
	LongPollTimeout  time.Duration
	// PollIntervalStart/Max bound the adaptive backoff applied to
	// unconfirmed-receipt polling: each miss widens the interval up to
	// Max, and finding a receipt resets it to Start.
	PollIntervalStart time.Duration
	PollIntervalMax   time.Duration
	PollBackoffFactor float64
	// PendingAlertThreshold fires AlertSink once a tracked transaction
	// has gone this long without a receipt.
	PendingAlertThreshold time.Duration
}

func DefaultParams() Params {
	return Params{
		ReceiveBatchSize: 10, LongPollTimeout: 20 * time.Second,
		PollIntervalStart: time.Second, PollIntervalMax: 30 * time.Second, PollBackoffFactor: 3,
		PendingAlertThreshold: 30 * time.Minute,
	}
}

type tracked struct {
	msg          domain.BroadcastTxMessage
	pollInterval time.Duration
	nextPollAt   time.Time
	firstSeenAt  time.Time
	alerted      bool
	// restartedAt, once non-zero, marks that this entry is being
	// re-tracked after a reorg evicted its original receipt.
	restartedAt time.Time
	// lastSeenBlock is the block number the most recent receipt was
	// mined in, 0 until a receipt is first observed. A receipt that
	// later disappears (TransactionReceipt starts returning not-found
	// again) after lastSeenBlock was set is the signature of the chain
	// reorging the transaction's block out from under it.
	lastSeenBlock uint64
}

// Service is the Monitor.
type Service struct {
	consumer queue.Consumer
	registry chain.Registry
	senttx   *store.SentTxRepo
	requests *store.RequestRepo
	alerts   AlertSink
	params   Params
	log      log.Logger

	tracked map[string]*tracked // keyed by txHash
}

func NewService(consumer queue.Consumer, registry chain.Registry, senttx *store.SentTxRepo, requests *store.RequestRepo, alerts AlertSink, params Params, logger log.Logger) *Service {
	return &Service{
		consumer: consumer, registry: registry, senttx: senttx, requests: requests,
		alerts: alerts, params: params, log: logger, tracked: make(map[string]*tracked),
	}
}

// Run receives broadcast-tx messages and polls every tracked
// transaction's receipt until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	pollTicker := time.NewTicker(s.params.PollIntervalStart)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.pollAll(ctx)
		default:
		}

		envs, err := s.consumer.Receive(ctx, s.params.ReceiveBatchSize, s.params.LongPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("receive broadcast-tx batch failed", "err", err)
			continue
		}
		for _, env := range envs {
			s.onBroadcast(ctx, env)
		}
	}
}

func (s *Service) onBroadcast(ctx context.Context, env queue.Envelope) {
	var msg domain.BroadcastTxMessage
	if err := env.Decode(&msg); err != nil {
		s.log.Error("decode broadcast-tx message failed, dropping", "err", err)
		_ = s.consumer.Ack(ctx, env)
		return
	}

	if existing, err := s.senttx.FindBySignedHash(ctx, msg.TxHash); err == nil && existing != nil {
		// P5 idempotent redelivery: already tracking this hash.
		_ = s.consumer.Ack(ctx, env)
		return
	}

	sent := &domain.SentTransaction{
		RequestID: msg.RequestID, BatchID: msg.BatchID, SignedTxHash: msg.TxHash,
		OnChainTxHash: msg.TxHash, Status: domain.StatusSent,
	}
	if err := s.senttx.Insert(ctx, sent); err != nil {
		s.log.Error("insert sent transaction failed", "txHash", msg.TxHash, "err", err)
		_ = s.consumer.Nack(ctx, env)
		return
	}
	s.markRequestsSent(ctx, msg)

	s.tracked[msg.TxHash] = &tracked{msg: msg, pollInterval: s.params.PollIntervalStart, nextPollAt: time.Now(), firstSeenAt: time.Now()}
	_ = s.consumer.Ack(ctx, env)
}

func (s *Service) markRequestsSent(ctx context.Context, msg domain.BroadcastTxMessage) {
	s.transitionRequests(ctx, msg, domain.StatusBroadcasting, domain.StatusSent, "")
}

// pollAll checks every tracked transaction whose backoff has elapsed.
func (s *Service) pollAll(ctx context.Context) {
	now := time.Now()
	for hash, t := range s.tracked {
		if now.Before(t.nextPollAt) {
			continue
		}
		s.pollOne(ctx, hash, t)
	}
}

func (s *Service) pollOne(ctx context.Context, hash string, t *tracked) {
	rpc, err := s.registry.Client(t.msg.Chain, t.msg.Network)
	if err != nil {
		s.log.Error("no rpc client for tracked tx", "chain", t.msg.Chain, "txHash", hash, "err", err)
		return
	}

	receipt, err := rpc.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if t.lastSeenBlock != 0 {
			// A receipt we previously observed has vanished: the block
			// it was mined in was reorged out of the canonical chain.
			// Re-arm tracking from scratch instead of just backing off,
			// per spec §4.4's "detect reorg, restart monitoring".
			s.log.Warn("receipt disappeared, treating as reorg", "txHash", hash, "chain", t.msg.Chain, "lastSeenBlock", t.lastSeenBlock)
			s.RestartMonitoring(t.msg)
			return
		}
		s.backoffAndMaybeAlert(ctx, hash, t)
		return
	}

	policy := domain.PolicyFor(t.msg.Chain)
	head, err := rpc.BlockNumber(ctx)
	if err != nil {
		s.log.Error("fetch head block number failed", "chain", t.msg.Chain, "err", err)
		return
	}
	t.lastSeenBlock = receipt.BlockNumber.Uint64()
	confirmations := head - receipt.BlockNumber.Uint64() + 1

	if receipt.Status == 0 {
		s.finish(ctx, hash, t, false, receipt.BlockNumber.Uint64(), receipt.GasUsed)
		return
	}

	if confirmations < policy.Confirmations {
		// Still within the reorg-risk window; keep polling at a tight
		// interval rather than backing off, since a receipt existing at
		// all means confirmation is imminent barring a reorg.
		t.pollInterval = s.params.PollIntervalStart
		t.nextPollAt = time.Now().Add(t.pollInterval)
		return
	}

	s.finish(ctx, hash, t, true, receipt.BlockNumber.Uint64(), receipt.GasUsed)
}

// backoffAndMaybeAlert widens the polling interval for a tx with no
// receipt yet, capped at PollIntervalMax, and fires AlertSink once past
// PendingAlertThreshold (only once per tracked entry).
func (s *Service) backoffAndMaybeAlert(ctx context.Context, hash string, t *tracked) {
	next := time.Duration(float64(t.pollInterval) * s.params.PollBackoffFactor)
	if next > s.params.PollIntervalMax {
		next = s.params.PollIntervalMax
	}
	t.pollInterval = next
	t.nextPollAt = time.Now().Add(next)

	if !t.alerted && time.Since(t.firstSeenAt) > s.params.PendingAlertThreshold {
		t.alerted = true
		s.alerts.Alert(ctx, t.msg.RequestID, hash, "transaction has been pending without a receipt past the alert threshold")
	}
}

// finish records the terminal outcome for a tracked transaction
// (confirmed or reverted) and stops tracking it. Once finished, the tx is
// no longer polled, so a later reorg that evicts it is not detected here;
// only an explicit RestartMonitoring call puts it back under tracking.
func (s *Service) finish(ctx context.Context, hash string, t *tracked, success bool, blockNumber, gasUsed uint64) {
	if success {
		if err := s.senttx.MarkConfirmed(ctx, hash, blockNumber, gasUsed); err != nil {
			s.log.Error("mark sent transaction confirmed failed", "txHash", hash, "err", err)
		}
		s.transitionRequests(ctx, t.msg, domain.StatusSent, domain.StatusConfirmed, "")
	} else {
		if err := s.senttx.MarkFailed(ctx, hash, blockNumber, gasUsed); err != nil {
			s.log.Error("mark sent transaction failed failed", "txHash", hash, "err", err)
		}
		s.transitionRequests(ctx, t.msg, domain.StatusSent, domain.StatusFailed, "transaction reverted on-chain")
	}
	delete(s.tracked, hash)
}

func (s *Service) transitionRequests(ctx context.Context, msg domain.BroadcastTxMessage, from, to domain.Status, reason string) {
	if msg.RequestID != "" {
		if err := s.requests.UpdateStatus(ctx, msg.RequestID, from, to, reason); err != nil {
			s.log.Error("transition request status failed", "requestId", msg.RequestID, "err", err)
		}
		return
	}
	if msg.BatchID != "" {
		reqs, err := s.requests.ListByBatch(ctx, msg.BatchID)
		if err != nil {
			s.log.Error("list batch requests failed", "batchId", msg.BatchID, "err", err)
			return
		}
		for _, r := range reqs {
			if err := s.requests.UpdateStatus(ctx, r.RequestID, from, to, reason); err != nil {
				s.log.Error("transition batched request status failed", "requestId", r.RequestID, "err", err)
			}
		}
	}
}

// RestartMonitoring re-arms tracking for msg.TxHash after a reorg,
// resetting poll interval, first-seen time, and alert state as if the
// transaction had just been broadcast. pollOne calls this itself when a
// previously-seen receipt disappears; it's also exported so a deeper
// reorg check run by an external scanner (e.g. one walking back from
// the head comparing parent hashes, per spec §4.4) can re-arm tracking
// for a transaction whose confirmation depth made pollOne stop
// rechecking it.
func (s *Service) RestartMonitoring(msg domain.BroadcastTxMessage) {
	s.tracked[msg.TxHash] = &tracked{
		msg: msg, pollInterval: s.params.PollIntervalStart, nextPollAt: time.Now(),
		firstSeenAt: time.Now(), restartedAt: time.Now(),
	}
}
