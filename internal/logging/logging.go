// Package logging wires the pipeline's structured logger on top of
// go-ethereum's log package (itself slog-backed as of v1.13), the same
// logger used throughout the go-ethereum pack for worker/miner loops.
package logging

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
)

// Format selects the root handler's output encoding.
type Format string

const (
	FormatTerminal Format = "terminal"
	FormatJSON     Format = "json"
)

// Init installs the process-wide default handler. Call once from each
// cmd/*/main.go before any service logic runs. The handler is installed
// without a level filter of its own, so debug does not change which
// levels are written; it only logs one Debug line announcing itself.
func Init(format Format, debug bool) {
	var handler log.Handler
	switch format {
	case FormatJSON:
		handler = log.JSONHandler(os.Stdout)
	default:
		handler = log.NewTerminalHandler(os.Stdout, true)
	}
	logger := log.NewLogger(handler)
	log.SetDefault(logger)
	if debug {
		logger.Debug("debug logging enabled")
	}
}

// For returns a child logger pre-tagged with the owning service name, so
// every line a worker emits is attributable without repeating the key at
// every call site.
func For(service string) log.Logger {
	return log.New("service", service)
}

// WithRequest returns a logger pre-tagged with a withdrawal request's
// identifying fields — the common case across signer/broadcaster/monitor.
func WithRequest(l log.Logger, requestID, chain, network string) log.Logger {
	return l.With("requestId", requestID, "chain", chain, "network", network)
}
