// Package broadcaster implements the Broadcast Worker (spec §4.3): it
// consumes signed-tx messages and submits them to the chain in strict
// per-(chain, signer) nonce order, using the shared nonce coordinator to
// serialize concurrent broadcast attempts and recover from gaps left by
// a permanently-failed signer.
package broadcaster

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/nonce"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// Params bundles the broadcaster's tunables from spec §4.3/§6.
type Params struct {
	ReceiveBatchSize int
	LongPollTimeout  time.Duration
	// GapTimeout bounds how long the broadcaster waits for a missing
	// predecessor nonce to arrive before emitting a self-transfer filler
	// transaction to unblock every nonce queued behind the gap.
	GapTimeout time.Duration
	// FeeBumpMultiplierPercent is applied to a stuck transaction's fee
	// cap on resubmission (110 means +10%).
	FeeBumpMultiplierPercent int
}

// Service is the Broadcast Worker.
type Service struct {
	signedTx  *store.SignedTxRepo
	requests  *store.RequestRepo
	registry  chain.Registry
	nonces    nonce.Allocator
	keys      signing.KeyProvider
	consumer  queue.Consumer
	publisher queue.Publisher
	params    Params
	log       log.Logger

	// pending holds, per (chain, signer), messages received but not yet
	// broadcastable because their nonce is ahead of lastBroadcastedNonce+1.
	pending map[string][]queuedMessage
}

type queuedMessage struct {
	env       queue.Envelope
	msg       domain.SignedTxMessage
	firstSeen time.Time
}

func NewService(
	signedTx *store.SignedTxRepo,
	requests *store.RequestRepo,
	registry chain.Registry,
	nonces nonce.Allocator,
	keys signing.KeyProvider,
	consumer queue.Consumer,
	publisher queue.Publisher,
	params Params,
	logger log.Logger,
) *Service {
	return &Service{
		signedTx: signedTx, requests: requests, registry: registry, nonces: nonces, keys: keys,
		consumer: consumer, publisher: publisher, params: params, log: logger,
		pending: make(map[string][]queuedMessage),
	}
}

func pendingKey(chainName, from string) string { return chainName + ":" + from }

// Run receives signed-tx batches until ctx is cancelled, buffering any
// message whose nonce isn't yet broadcastable and draining every
// (chain, signer) queue whose head nonce is ready after each cycle.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		envs, err := s.consumer.Receive(ctx, s.params.ReceiveBatchSize, s.params.LongPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("receive signed-tx batch failed", "err", err)
			continue
		}
		for _, env := range envs {
			var msg domain.SignedTxMessage
			if err := env.Decode(&msg); err != nil {
				s.log.Error("decode signed-tx message failed, dropping", "err", err)
				_ = s.consumer.Ack(ctx, env)
				continue
			}
			k := pendingKey(msg.Chain, msg.From)
			s.pending[k] = append(s.pending[k], queuedMessage{env: env, msg: msg, firstSeen: time.Now()})
		}
		s.drainReady(ctx)
		s.checkGaps(ctx)
	}
}

// drainReady submits every queued message, per (chain, signer), whose
// nonce equals lastBroadcastedNonce+1 (or the on-chain pending nonce if
// none has ever been broadcast), advancing lastBroadcastedNonce after
// each successful send so the next-in-line message becomes eligible
// within the same pass.
func (s *Service) drainReady(ctx context.Context) {
	for k, msgs := range s.pending {
		if len(msgs) == 0 {
			continue
		}
		chainName, network, from := msgs[0].msg.Chain, msgs[0].msg.Network, msgs[0].msg.From
		unlock := s.nonces.Lock(chainName, from)
		remaining := s.drainLocked(ctx, chainName, network, from, msgs)
		unlock()
		s.pending[k] = remaining
	}
}

func (s *Service) drainLocked(ctx context.Context, chainName, network, from string, msgs []queuedMessage) []queuedMessage {
	sortByNonce(msgs)
	want, err := s.nextExpectedNonce(ctx, chainName, network, from)
	if err != nil {
		s.log.Error("resolve next expected nonce failed", "chain", chainName, "from", from, "err", err)
		return msgs
	}

	i := 0
	for i < len(msgs) && msgs[i].msg.Nonce == want {
		m := msgs[i]
		if err := s.broadcastOne(ctx, m.msg); err != nil {
			kind := errs.KindOf(err)
			s.log.Warn("broadcast failed", "requestId", m.msg.RequestID, "nonce", m.msg.Nonce, "kind", kind, "err", err)
			if !kind.Retryable() {
				s.markFailed(ctx, m.msg, errs.MessageOf(err))
				_ = s.consumer.Ack(ctx, m.env)
				i++
				want++
				continue
			}
			_ = s.consumer.Nack(ctx, m.env)
			break
		}
		if err := s.nonces.AdvanceLastBroadcasted(ctx, chainName, from, m.msg.Nonce); err != nil {
			s.log.Error("advance last broadcasted nonce failed", "chain", chainName, "from", from, "err", err)
		}
		_ = s.consumer.Ack(ctx, m.env)
		i++
		want++
	}
	return msgs[i:]
}

func (s *Service) nextExpectedNonce(ctx context.Context, chainName, network, from string) (uint64, error) {
	last, ok, err := s.nonces.LastBroadcasted(ctx, chainName, from)
	if err != nil {
		return 0, err
	}
	if ok {
		return last + 1, nil
	}
	rpc, err := s.registry.Client(chainName, network)
	if err != nil {
		return 0, err
	}
	return rpc.PendingNonceAt(ctx, common.HexToAddress(from))
}

func (s *Service) broadcastOne(ctx context.Context, msg domain.SignedTxMessage) error {
	// P5 idempotent-redelivery guard: a redelivered signed-tx message
	// whose record has already moved past SIGNED was already sent by an
	// earlier delivery, so re-broadcasting it would risk a duplicate
	// submission (or, worse, colliding with a fee-bumped replacement).
	if existing, err := s.signedTx.FindByHash(ctx, msg.TxHash); err == nil && existing != nil && existing.Status != domain.StatusSigned {
		s.log.Info("skipping already-broadcast signed tx", "txHash", msg.TxHash, "status", existing.Status)
		return nil
	}

	rpc, err := s.registry.Client(msg.Chain, msg.Network)
	if err != nil {
		return errs.Wrap(errs.Network, err, "no rpc client for chain/network")
	}
	tx, err := signing.DecodeRaw(common.Hex2Bytes(msg.RawTransaction))
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "decode raw transaction")
	}
	if err := rpc.SendTransaction(ctx, tx); err != nil {
		return errs.Wrap(errs.Blockchain, err, "send transaction")
	}
	if err := s.signedTx.UpdateStatus(ctx, msg.TxHash, domain.StatusBroadcasting, ""); err != nil {
		s.log.Error("mark signed tx broadcasting failed", "txHash", msg.TxHash, "err", err)
	}

	out := domain.BroadcastTxMessage{
		RequestID: msg.RequestID, BatchID: msg.BatchID, Chain: msg.Chain, Network: msg.Network,
		TxHash: msg.TxHash, From: msg.From, Nonce: msg.Nonce, FromNonce: msg.Nonce,
	}
	if err := s.publisher.Publish(ctx, msg.TxHash, out); err != nil {
		return errs.Wrap(errs.Network, err, "publish broadcast-tx message")
	}
	if msg.RequestID != "" {
		if err := s.requests.UpdateStatus(ctx, msg.RequestID, domain.StatusSigned, domain.StatusBroadcasting, ""); err != nil {
			s.log.Error("mark request broadcasting failed", "requestId", msg.RequestID, "err", err)
		}
	}
	for _, rid := range msg.RequestIDs {
		if err := s.requests.UpdateStatus(ctx, rid, domain.StatusSigned, domain.StatusBroadcasting, ""); err != nil {
			s.log.Error("mark batched request broadcasting failed", "requestId", rid, "err", err)
		}
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, msg domain.SignedTxMessage, reason string) {
	if msg.RequestID != "" {
		_ = s.requests.UpdateStatus(ctx, msg.RequestID, domain.StatusSigned, domain.StatusFailed, reason)
	}
	for _, rid := range msg.RequestIDs {
		_ = s.requests.UpdateStatus(ctx, rid, domain.StatusSigned, domain.StatusFailed, reason)
	}
}

// checkGaps emits a self-transfer filler transaction for any (chain,
// signer) whose oldest buffered message has waited past GapTimeout
// without becoming broadcastable — the recovery path for a nonce a
// predecessor transaction will never fill (e.g. its signer process
// died after acquiring the nonce but before publishing signed-tx).
func (s *Service) checkGaps(ctx context.Context) {
	for _, msgs := range s.pending {
		if len(msgs) == 0 {
			continue
		}
		oldest := msgs[0]
		for _, m := range msgs[1:] {
			if m.firstSeen.Before(oldest.firstSeen) {
				oldest = m
			}
		}
		if time.Since(oldest.firstSeen) < s.params.GapTimeout {
			continue
		}
		chainName, network, from := oldest.msg.Chain, oldest.msg.Network, oldest.msg.From
		unlock := s.nonces.Lock(chainName, from)
		s.emitFiller(ctx, chainName, network, from)
		unlock()
	}
}

// emitFiller submits a zero-value self-transfer at lastBroadcastedNonce+1
// (or the current on-chain pending nonce), consuming exactly the gap
// slot so every higher nonce queued behind it becomes broadcastable.
func (s *Service) emitFiller(ctx context.Context, chainName, network, from string) {
	want, err := s.nextExpectedNonce(ctx, chainName, network, from)
	if err != nil {
		s.log.Error("resolve nonce for filler failed", "chain", chainName, "from", from, "err", err)
		return
	}
	rpc, err := s.registry.Client(chainName, network)
	if err != nil {
		s.log.Error("no rpc client for filler", "chain", chainName, "err", err)
		return
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		s.log.Error("fetch chain id for filler failed", "chain", chainName, "err", err)
		return
	}
	tip, err := rpc.SuggestGasTipCap(ctx)
	if err != nil {
		s.log.Error("fetch tip for filler failed", "chain", chainName, "err", err)
		return
	}
	head, err := rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		s.log.Error("fetch header for filler failed", "chain", chainName, "err", err)
		return
	}
	maxFee := chain.MaxFeePerGas(head.BaseFee, tip)

	priv, err := s.keys.PrivateKey(ctx, chainName, from)
	if err != nil {
		s.log.Error("resolve key for filler failed", "chain", chainName, "from", from, "err", err)
		return
	}
	addr := common.HexToAddress(from)
	plan := signing.Plan{
		ChainID: chainID, Nonce: want, To: addr, Value: big.NewInt(0), GasLimit: 21_000,
		SupportsEIP1559: true, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip,
	}
	tx := signing.Build(plan)
	signed, _, err := signing.Sign(tx, chainID, priv)
	if err != nil {
		s.log.Error("sign filler transaction failed", "chain", chainName, "from", from, "err", err)
		return
	}
	if err := rpc.SendTransaction(ctx, signed); err != nil {
		s.log.Error("send filler transaction failed", "chain", chainName, "from", from, "err", err)
		return
	}
	if err := s.nonces.AdvanceLastBroadcasted(ctx, chainName, from, want); err != nil {
		s.log.Error("advance last broadcasted nonce after filler failed", "chain", chainName, "from", from, "err", err)
	}
	s.log.Warn("emitted nonce filler transaction", "chain", chainName, "from", from, "nonce", want)
}

// BumpAndResend implements the stuck-transaction recovery path (spec
// §4.3): re-signs the same nonce with a fee cap multiplied by
// FeeBumpMultiplierPercent/100, marks the prior signed row superseded,
// and resubmits. chain/network identify which RPC client to resubmit
// through; chainID is the already-resolved chain ID for signing.
func (s *Service) BumpAndResend(ctx context.Context, chainName, network string, chainID *big.Int, stuck *domain.SignedSingleTransaction) error {
	priv, err := s.keys.PrivateKey(ctx, chainName, stuck.From)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "resolve key for fee bump")
	}

	oldTx, err := signing.DecodeRaw(stuck.Raw)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "decode stuck transaction")
	}
	bumpedTip := bumpFee(oldTx.GasTipCap(), s.params.FeeBumpMultiplierPercent)
	bumpedFeeCap := bumpFee(oldTx.GasFeeCap(), s.params.FeeBumpMultiplierPercent)

	plan := signing.Plan{
		ChainID: chainID, Nonce: stuck.Nonce, To: common.HexToAddress(stuck.To), Value: oldTx.Value(),
		Data: oldTx.Data(), GasLimit: oldTx.Gas(), SupportsEIP1559: true,
		MaxFeePerGas: bumpedFeeCap, MaxPriorityFeePerGas: bumpedTip,
	}
	newTx := signing.Build(plan)
	signed, hash, err := signing.Sign(newTx, chainID, priv)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "sign bumped transaction")
	}
	raw, err := signing.EncodeRaw(signed)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "encode bumped transaction")
	}

	replacement := &domain.SignedSingleTransaction{
		RequestID: stuck.RequestID, Raw: raw, From: stuck.From, To: stuck.To, Value: stuck.Value,
		Nonce: stuck.Nonce, ChainID: stuck.ChainID, TxHash: hash.Hex(), Status: domain.StatusSigned,
		Gas: domain.GasParams{MaxFeePerGas: bumpedFeeCap.String(), MaxPriorityFeePerGas: bumpedTip.String(), GasLimit: oldTx.Gas()},
	}
	if err := s.signedTx.Supersede(ctx, stuck.ChainID, stuck.From, stuck.Nonce, replacement); err != nil {
		return err
	}
	return s.broadcastOne(ctx, domain.SignedTxMessage{
		RequestID: stuck.RequestID, Chain: chainName, Network: network, From: stuck.From, To: stuck.To,
		Nonce: stuck.Nonce, RawTransaction: common.Bytes2Hex(raw), TxHash: hash.Hex(),
	})
}

func bumpFee(fee *big.Int, percent int) *big.Int {
	if percent <= 0 {
		percent = 110
	}
	bumped := new(big.Int).Mul(fee, big.NewInt(int64(percent)))
	return bumped.Div(bumped, big.NewInt(100))
}

func sortByNonce(msgs []queuedMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].msg.Nonce < msgs[j-1].msg.Nonce; j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
