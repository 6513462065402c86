package domain

import (
	"encoding/json"
	"time"
)

// TxRequestMessage is the tx-request queue payload Ingress publishes and
// the signing worker consumes (spec §6).
type TxRequestMessage struct {
	RequestID    string    `json:"requestId"`
	Amount       string    `json:"amount"`
	Symbol       string    `json:"symbol,omitempty"`
	ToAddress    string    `json:"toAddress"`
	TokenAddress string    `json:"tokenAddress"`
	Chain        string    `json:"chain"`
	Network      string    `json:"network"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SignedTxMessage is the signed-tx queue payload the signing worker
// publishes and the broadcaster consumes. Exactly one of RequestID or
// BatchID is set, matching spec §6's "requestId | batchId".
type SignedTxMessage struct {
	RequestID      string   `json:"requestId,omitempty"`
	BatchID        string   `json:"batchId,omitempty"`
	RequestIDs     []string `json:"requestIds,omitempty"`
	Chain          string   `json:"chain"`
	Network        string   `json:"network"`
	From           string   `json:"from"`
	To             string   `json:"to"`
	Nonce          uint64   `json:"nonce"`
	RawTransaction string   `json:"rawTransaction"` // hex-encoded signed RLP
	TxHash         string   `json:"txHash"`
	Gas            GasParams `json:"gas"`
}

// BroadcastTxMessage is the broadcast-tx queue payload the broadcaster
// publishes and the monitor consumes, per spec §4.4.
type BroadcastTxMessage struct {
	RequestID  string `json:"requestId,omitempty"`
	BatchID    string `json:"batchId,omitempty"`
	Chain      string `json:"chain"`
	Network    string `json:"network"`
	TxHash     string `json:"txHash"`
	From       string `json:"from"`
	Nonce      uint64 `json:"nonce"`
	FromNonce  uint64 `json:"fromNonce"`
}

// DLQEnvelope wraps an upstream message body with the failure context
// the DLQ handler's classifier needs (spec §6: "same body as upstream
// plus {errorKind, errorMessage, attempts}").
type DLQEnvelope struct {
	Upstream     string          `json:"upstream"`
	Body         json.RawMessage `json:"body"`
	ErrorKind    string          `json:"errorKind"`
	ErrorMessage string          `json:"errorMessage"`
	Attempts     int             `json:"attempts"`
}
