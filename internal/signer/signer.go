// Package signer implements the Signing Worker (spec §4.2): it receives
// batches of tx-request messages, decides per (chain, network, token)
// group whether to fold them into one Multicall3 batch transaction or
// sign each individually, resolves gas parameters and a coordinated
// nonce, signs, persists the signed record, and publishes to signed-tx.
package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/batching"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/errs"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/nonce"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// Multicall3Address is the canonical Multicall3 deployment address,
// identical across every EVM chain this pipeline targets (Polygon,
// Ethereum, BSC all carry it at this address via deterministic CREATE2
// deployment).
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Params bundles the tunables Service needs beyond its collaborators.
type Params struct {
	Batching        batching.Params
	GasTipPercent   int
	GasBufferPercent int
	ReceiveBatchSize int
	LongPollTimeout  time.Duration
	// SignerAddresses maps a chain name to the custodial wallet address
	// that signs withdrawals on it. One signer per chain keeps the nonce
	// coordinator's (chain, signer) keyspace simple; multi-wallet
	// rotation per chain is out of scope (spec §1 custodial wallet
	// management boundary).
	SignerAddresses map[string]string
}

// Service is the Signing Worker.
type Service struct {
	requests  *store.RequestRepo
	signedTx  *store.SignedTxRepo
	registry  chain.Registry
	fees      *chain.FeeCache
	nonces    nonce.Allocator
	keys      signing.KeyProvider
	tokens    domain.TokenRegistry
	consumer  queue.Consumer
	publisher queue.Publisher
	params    Params
	log       log.Logger

	chainIDs map[string]*big.Int
}

func NewService(
	requests *store.RequestRepo,
	signedTx *store.SignedTxRepo,
	registry chain.Registry,
	fees *chain.FeeCache,
	nonces nonce.Allocator,
	keys signing.KeyProvider,
	tokens domain.TokenRegistry,
	consumer queue.Consumer,
	publisher queue.Publisher,
	params Params,
	logger log.Logger,
) *Service {
	return &Service{
		requests: requests, signedTx: signedTx, registry: registry, fees: fees, nonces: nonces,
		keys: keys, tokens: tokens, consumer: consumer, publisher: publisher, params: params,
		log: logger, chainIDs: make(map[string]*big.Int),
	}
}

// Run receives tx-request batches until ctx is cancelled, B=10 messages
// per cycle with up to a 20s long poll, per spec §4.2.
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
			s.log.Error("receive tx-request batch failed", "err", err)
			continue
		}
		if len(envs) == 0 {
			continue
		}
		s.processCycle(ctx, envs)
	}
}

type pending struct {
	env queue.Envelope
	msg domain.TxRequestMessage
}

// processCycle decodes every envelope, applies the ingress filter (re-
// read persisted status, skip anything not PENDING), partitions the
// survivors into batching candidates, and acts on each group's decision.
func (s *Service) processCycle(ctx context.Context, envs []queue.Envelope) {
	byRequestID := make(map[string]pending, len(envs))
	var candidates []batching.Candidate

	for _, env := range envs {
		var msg domain.TxRequestMessage
		if err := env.Decode(&msg); err != nil {
			s.log.Error("decode tx-request message failed, dropping", "err", err)
			_ = s.consumer.Ack(ctx, env)
			continue
		}

		req, err := s.requests.Get(ctx, msg.RequestID)
		if err != nil {
			s.log.Error("re-read request failed", "requestId", msg.RequestID, "err", err)
			_ = s.consumer.Nack(ctx, env)
			continue
		}
		if req.Status != domain.StatusPending {
			// Already claimed by a prior delivery of the same message
			// (P5 idempotent redelivery): ack and move on.
			_ = s.consumer.Ack(ctx, env)
			continue
		}
		if err := s.requests.UpdateStatus(ctx, msg.RequestID, domain.StatusPending, domain.StatusValidating, ""); err != nil {
			s.log.Error("transition to VALIDATING failed", "requestId", msg.RequestID, "err", err)
			_ = s.consumer.Nack(ctx, env)
			continue
		}

		byRequestID[msg.RequestID] = pending{env: env, msg: msg}

		if signing.IsNative(msg.TokenAddress) {
			// Native transfers are always SINGLE per spec §4.2; keep them
			// out of the batching candidate pool entirely.
			if err := s.signSingle(ctx, req, msg); err != nil {
				s.fail(ctx, env, msg.RequestID, err)
			} else {
				_ = s.consumer.Ack(ctx, env)
			}
			continue
		}

		amount, err := signing.ParseAmount(msg.Amount, s.tokenDecimals(msg.Chain, msg.Network, msg.TokenAddress))
		if err != nil {
			s.fail(ctx, env, msg.RequestID, errs.Wrap(errs.Validation, err, "invalid amount at signing time"))
			continue
		}
		candidates = append(candidates, batching.Candidate{
			RequestID:    msg.RequestID,
			Chain:        msg.Chain,
			Network:      msg.Network,
			TokenAddress: msg.TokenAddress,
			To:           common.HexToAddress(msg.ToAddress),
			Amount:       amount,
		})
	}

	decisions := batching.Decide(candidates, s.params.Batching)
	for _, d := range decisions {
		if d.Mode == domain.ModeBatch {
			s.signBatch(ctx, d, byRequestID)
		} else {
			for _, c := range d.Candidates {
				p := byRequestID[c.RequestID]
				req, err := s.requests.Get(ctx, c.RequestID)
				if err != nil {
					s.fail(ctx, p.env, c.RequestID, errs.WrapNetwork(err, "re-read request before single-sign failed"))
					continue
				}
				if err := s.signSingle(ctx, req, p.msg); err != nil {
					s.fail(ctx, p.env, c.RequestID, err)
					continue
				}
				_ = s.consumer.Ack(ctx, p.env)
			}
		}
	}
}

func (s *Service) tokenDecimals(chainName, network, tokenAddress string) uint8 {
	if t, ok := s.tokens.Lookup(chainName, network, tokenAddress); ok {
		return t.Decimals
	}
	return 18
}

// fail routes a signing-time error by errs.Kind.Retryable: NETWORK and
// UNKNOWN are nacked for redelivery; every other kind (including
// VALIDATION, BUSINESS, NONCE and GAS_PRICE) marks the request FAILED
// terminally and acks.
func (s *Service) fail(ctx context.Context, env queue.Envelope, requestID string, err error) {
	kind := errs.KindOf(err)
	s.log.Warn("signing failed", "requestId", requestID, "kind", kind, "err", err)
	if !kind.Retryable() {
		_ = s.requests.UpdateStatus(ctx, requestID, domain.StatusValidating, domain.StatusFailed, errs.MessageOf(err))
		_ = s.consumer.Ack(ctx, env)
		return
	}
	_ = s.consumer.Nack(ctx, env)
}

func (s *Service) chainID(ctx context.Context, rpc chain.RPC, chainName string) (*big.Int, error) {
	if id, ok := s.chainIDs[chainName]; ok {
		return id, nil
	}
	id, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, errs.WrapNetwork(err, "fetch chain id")
	}
	s.chainIDs[chainName] = id
	return id, nil
}

// gasFor resolves EIP-1559 fee params and a buffered gas limit estimate
// for one call, per spec §4.2.
func (s *Service) gasFor(ctx context.Context, rpc chain.RPC, chainName, network string, msg ethereum.CallMsg) (domain.GasParams, uint64, error) {
	fee, err := s.fees.Get(ctx, chainName, network)
	if err != nil {
		return domain.GasParams{}, 0, errs.Wrap(errs.GasPrice, err, "fetch fee data")
	}
	tip := chain.BumpedTip(fee.TipCap, s.params.GasTipPercent)
	maxFee := chain.MaxFeePerGas(fee.BaseFee, tip)

	estimate, err := rpc.EstimateGas(ctx, msg)
	if err != nil {
		return domain.GasParams{}, 0, errs.Wrap(errs.GasPrice, err, "estimate gas")
	}
	gasLimit := chain.BufferedGasLimit(estimate, s.params.GasBufferPercent)

	return domain.GasParams{
		Legacy:               false,
		MaxFeePerGas:         maxFee.String(),
		MaxPriorityFeePerGas: tip.String(),
		GasLimit:             gasLimit,
	}, gasLimit, nil
}

// signSingle builds, signs, and persists one native or ERC-20 transfer.
func (s *Service) signSingle(ctx context.Context, req *domain.WithdrawalRequest, msg domain.TxRequestMessage) error {
	rpc, err := s.registry.Client(msg.Chain, msg.Network)
	if err != nil {
		return errs.Wrap(errs.Network, err, "no rpc client for chain/network")
	}
	chainID, err := s.chainID(ctx, rpc, msg.Chain)
	if err != nil {
		return err
	}

	signerAddr, ok := s.params.SignerAddresses[strings.ToLower(msg.Chain)]
	if !ok {
		return errs.New(errs.Business, fmt.Sprintf("no custodial signer configured for chain %s", msg.Chain))
	}
	priv, err := s.keys.PrivateKey(ctx, msg.Chain, signerAddr)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "resolve custodial key")
	}
	from := signing.AddressFromKey(priv)

	decimals := s.tokenDecimals(msg.Chain, msg.Network, msg.TokenAddress)
	amount, err := signing.ParseAmount(msg.Amount, decimals)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "invalid amount")
	}

	var to common.Address
	var value *big.Int
	var data []byte
	if signing.IsNative(msg.TokenAddress) {
		to = common.HexToAddress(msg.ToAddress)
		value = amount
	} else {
		to = common.HexToAddress(msg.TokenAddress)
		value = big.NewInt(0)
		data, err = signing.PackERC20Transfer(common.HexToAddress(msg.ToAddress), amount)
		if err != nil {
			return errs.Wrap(errs.Unknown, err, "pack transfer calldata")
		}
	}

	callMsg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	gas, gasLimit, err := s.gasFor(ctx, rpc, msg.Chain, msg.Network, callMsg)
	if err != nil {
		return err
	}

	pendingNonce, err := rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return errs.WrapNetwork(err, "fetch pending nonce")
	}
	unlock := s.nonces.Lock(msg.Chain, from.Hex())
	defer unlock()
	n, err := s.nonces.Acquire(ctx, msg.Chain, from.Hex(), pendingNonce)
	if err != nil {
		return errs.Wrap(errs.Nonce, err, "acquire nonce")
	}

	plan := signing.Plan{
		ChainID: chainID, Nonce: n, To: to, Value: value, Data: data, GasLimit: gasLimit,
		SupportsEIP1559: true,
		MaxFeePerGas:         mustBig(gas.MaxFeePerGas),
		MaxPriorityFeePerGas: mustBig(gas.MaxPriorityFeePerGas),
	}
	tx := signing.Build(plan)
	signed, hash, err := signing.Sign(tx, chainID, priv)
	if err != nil {
		_ = s.nonces.Release(ctx, msg.Chain, from.Hex(), n)
		return errs.Wrap(errs.Unknown, err, "sign transaction")
	}
	raw, err := signing.EncodeRaw(signed)
	if err != nil {
		_ = s.nonces.Release(ctx, msg.Chain, from.Hex(), n)
		return errs.Wrap(errs.Unknown, err, "encode signed transaction")
	}

	record := &domain.SignedSingleTransaction{
		RequestID: msg.RequestID, Raw: raw, From: from.Hex(), To: to.Hex(), Value: value.String(),
		Nonce: n, ChainID: chainID.Int64(), Gas: gas, TxHash: hash.Hex(), Status: domain.StatusSigned,
	}
	if err := s.signedTx.InsertSingle(ctx, record); err != nil {
		_ = s.nonces.Release(ctx, msg.Chain, from.Hex(), n)
		return err
	}

	if err := s.requests.UpdateStatus(ctx, msg.RequestID, domain.StatusValidating, domain.StatusSigned, ""); err != nil {
		return errs.Wrap(errs.Business, err, "mark request signed")
	}

	out := domain.SignedTxMessage{
		RequestID: msg.RequestID, Chain: msg.Chain, Network: msg.Network,
		From: from.Hex(), To: to.Hex(), Nonce: n, RawTransaction: common.Bytes2Hex(raw),
		TxHash: hash.Hex(), Gas: gas,
	}
	if err := s.publisher.Publish(ctx, msg.RequestID, out); err != nil {
		return errs.Wrap(errs.Network, err, "publish signed-tx message")
	}
	return nil
}

// signBatch builds one Multicall3 aggregate3 transaction moving every
// candidate's tokens, signs it once, and fans the resulting SIGNED
// status and batch assignment out to every folded-in request.
func (s *Service) signBatch(ctx context.Context, d batching.Decision, byRequestID map[string]pending) {
	chainName, network, tokenAddress := d.Key.Chain, d.Key.Network, d.Key.TokenAddress

	rpc, err := s.registry.Client(chainName, network)
	if err != nil {
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Network, err, "no rpc client for batch"))
		return
	}
	chainID, err := s.chainID(ctx, rpc, chainName)
	if err != nil {
		s.failAll(ctx, d, byRequestID, err)
		return
	}
	signerAddr, ok := s.params.SignerAddresses[strings.ToLower(chainName)]
	if !ok {
		s.failAll(ctx, d, byRequestID, errs.New(errs.Business, fmt.Sprintf("no custodial signer configured for chain %s", chainName)))
		return
	}
	priv, err := s.keys.PrivateKey(ctx, chainName, signerAddr)
	if err != nil {
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Unknown, err, "resolve custodial key"))
		return
	}
	from := signing.AddressFromKey(priv)

	data, err := batching.PackAggregate3(common.HexToAddress(tokenAddress), from, d.Candidates)
	if err != nil {
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Unknown, err, "pack aggregate3 calldata"))
		return
	}

	callMsg := ethereum.CallMsg{From: from, To: &Multicall3Address, Value: batching.TotalValue(), Data: data}
	gas, gasLimit, err := s.gasFor(ctx, rpc, chainName, network, callMsg)
	if err != nil {
		s.failAll(ctx, d, byRequestID, err)
		return
	}

	pendingNonce, err := rpc.PendingNonceAt(ctx, from)
	if err != nil {
		s.failAll(ctx, d, byRequestID, errs.WrapNetwork(err, "fetch pending nonce"))
		return
	}
	unlock := s.nonces.Lock(chainName, from.Hex())
	defer unlock()
	n, err := s.nonces.Acquire(ctx, chainName, from.Hex(), pendingNonce)
	if err != nil {
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Nonce, err, "acquire nonce"))
		return
	}

	plan := signing.Plan{
		ChainID: chainID, Nonce: n, To: Multicall3Address, Value: batching.TotalValue(), Data: data, GasLimit: gasLimit,
		SupportsEIP1559:      true,
		MaxFeePerGas:         mustBig(gas.MaxFeePerGas),
		MaxPriorityFeePerGas: mustBig(gas.MaxPriorityFeePerGas),
	}
	tx := signing.Build(plan)
	signed, hash, err := signing.Sign(tx, chainID, priv)
	if err != nil {
		_ = s.nonces.Release(ctx, chainName, from.Hex(), n)
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Unknown, err, "sign batch transaction"))
		return
	}
	raw, err := signing.EncodeRaw(signed)
	if err != nil {
		_ = s.nonces.Release(ctx, chainName, from.Hex(), n)
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Unknown, err, "encode signed batch transaction"))
		return
	}

	requestIDs := make([]string, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		requestIDs = append(requestIDs, c.RequestID)
	}
	batchID := hash.Hex()

	record := &domain.SignedBatchTransaction{
		BatchID: batchID, RequestIDs: requestIDs, Raw: raw, From: from.Hex(), To: Multicall3Address.Hex(),
		Nonce: n, ChainID: chainID.Int64(), Gas: gas, TxHash: hash.Hex(), Status: domain.StatusSigned,
	}
	if err := s.signedTx.InsertBatch(ctx, record); err != nil {
		_ = s.nonces.Release(ctx, chainName, from.Hex(), n)
		s.failAll(ctx, d, byRequestID, err)
		return
	}

	out := domain.SignedTxMessage{
		BatchID: batchID, RequestIDs: requestIDs, Chain: chainName, Network: network,
		From: from.Hex(), To: Multicall3Address.Hex(), Nonce: n,
		RawTransaction: common.Bytes2Hex(raw), TxHash: hash.Hex(), Gas: gas,
	}
	if err := s.publisher.Publish(ctx, batchID, out); err != nil {
		s.failAll(ctx, d, byRequestID, errs.Wrap(errs.Network, err, "publish signed-tx batch message"))
		return
	}

	for _, c := range d.Candidates {
		if err := s.requests.AssignBatch(ctx, c.RequestID, batchID); err != nil {
			s.log.Error("assign batch failed", "requestId", c.RequestID, "batchId", batchID, "err", err)
			continue
		}
		if err := s.requests.UpdateStatus(ctx, c.RequestID, domain.StatusValidating, domain.StatusSigned, ""); err != nil {
			s.log.Error("mark batched request signed failed", "requestId", c.RequestID, "err", err)
			continue
		}
		_ = s.consumer.Ack(ctx, byRequestID[c.RequestID].env)
	}
}

func (s *Service) failAll(ctx context.Context, d batching.Decision, byRequestID map[string]pending, err error) {
	for _, c := range d.Candidates {
		s.fail(ctx, byRequestID[c.RequestID].env, c.RequestID, err)
	}
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
