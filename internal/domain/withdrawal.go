// Package domain holds the durable record types of the withdrawal
// pipeline: WithdrawalRequest, the signed-transaction records, and the
// sent-transaction bookkeeping row, per spec §3.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is a WithdrawalRequest's position in the lifecycle DAG. The zero
// value is never a valid persisted status; Ingress always writes Pending
// as the first row.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusValidating   Status = "VALIDATING"
	StatusSigned       Status = "SIGNED"
	StatusBroadcasting Status = "BROADCASTING"
	StatusSent         Status = "SENT"
	StatusConfirmed    Status = "CONFIRMED"
	StatusFailed       Status = "FAILED"
)

// terminal holds the two absorbing states (P4): once reached, no further
// mutation of a WithdrawalRequest's status is permitted.
var terminal = map[Status]bool{
	StatusConfirmed: true,
	StatusFailed:    true,
}

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool { return terminal[s] }

// transitions enumerates the valid DAG edges from spec §3:
//
//	PENDING -> VALIDATING -> {SIGNED|FAILED} -> {BROADCASTING|FAILED} -> {SENT|FAILED} -> {CONFIRMED|FAILED}
var transitions = map[Status][]Status{
	StatusPending:      {StatusValidating},
	StatusValidating:   {StatusSigned, StatusFailed},
	StatusSigned:       {StatusBroadcasting, StatusFailed},
	StatusBroadcasting: {StatusSent, StatusFailed},
	StatusSent:         {StatusConfirmed, StatusFailed},
	StatusConfirmed:    {},
	StatusFailed:       {},
}

// CanTransition reports whether moving from s to next is a legal edge in
// the DAG. FAILED is reachable from every non-terminal state, matching
// the "or FAILED" branch spec §3 attaches to every stage.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ProcessingMode records whether a request was folded into a batch.
type ProcessingMode string

const (
	ModeSingle ProcessingMode = "SINGLE"
	ModeBatch  ProcessingMode = "BATCH"
)

// ZeroAddress is the sentinel tokenAddress for a native-coin withdrawal.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// WithdrawalRequest is the durable, audit-forever record created by
// Ingress and mutated by whichever worker currently owns its stage.
type WithdrawalRequest struct {
	RequestID      string
	Amount         string // decimal string, as submitted
	AmountBaseUnit string // parsed into base units using token.decimals
	Symbol         string
	TokenAddress   string
	ToAddress      string
	Chain          string
	Network        string
	Status         Status
	ProcessingMode ProcessingMode
	BatchID        *string
	TryCount       int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsNative reports whether this request moves the chain's native coin
// rather than an ERC-20 token.
func (w *WithdrawalRequest) IsNative() bool {
	return w.TokenAddress == "" || w.TokenAddress == ZeroAddress
}

// NewRequestID mints a time-ordered request identifier. UUIDv7 embeds a
// millisecond timestamp in its high bits, giving the "UUID arranged for
// time-ordered primary-key locality" spec §3 calls for — see DESIGN.md
// for why v7 rather than a literal v4 is used here.
func NewRequestID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// GasParams carries either EIP-1559 or legacy fee fields; exactly one of
// the two pairs is populated, selected by Legacy.
type GasParams struct {
	Legacy               bool
	GasPrice             string // legacy, wei decimal string
	MaxFeePerGas         string // EIP-1559, wei decimal string
	MaxPriorityFeePerGas string // EIP-1559, wei decimal string
	GasLimit             uint64
}

// SignedSingleTransaction is the durable record of one signed, not-yet
// (or already) broadcast transaction tied to a single WithdrawalRequest.
type SignedSingleTransaction struct {
	ID        int64
	RequestID string
	Raw       []byte // signed RLP
	From      string
	To        string
	Value     string // wei decimal string
	Nonce     uint64
	ChainID   int64
	Gas       GasParams
	TxHash    string
	TryCount  int
	Status    Status
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignedBatchTransaction is the durable record of a signed multicall
// transaction folding several WithdrawalRequests' transfers together.
type SignedBatchTransaction struct {
	ID         int64
	BatchID    string
	RequestIDs []string
	Raw        []byte
	From       string
	To         string // the Multicall3-style aggregator address
	Nonce      uint64
	ChainID    int64
	Gas        GasParams
	TxHash     string
	TryCount   int
	Status     Status
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SentTransaction links a signed-tx hash to the hash actually accepted
// on-chain (normally identical, except after a fee-bump replacement) and
// records confirmation bookkeeping.
type SentTransaction struct {
	ID               int64
	RequestID        string // empty for batch-only rows; see BatchID
	BatchID          string
	SignedTxHash     string
	OnChainTxHash    string
	BlockNumber      uint64
	GasUsed          uint64
	Status           Status
	ConfirmedAt      *time.Time
	CreatedAt        time.Time
}
