// Command signer runs the signing worker (spec §4.2): it consumes
// tx-request messages, decides single-vs-batch processing, signs the
// resulting transaction(s), and publishes signed-tx messages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/batching"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/config"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/domain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/logging"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/nonce"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signer"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "signer", Short: "Signing worker for the withdrawal pipeline"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (optional)")

	root.AddCommand(
		&cobra.Command{Use: "version", Run: func(cmd *cobra.Command, args []string) { fmt.Println(version) }},
		&cobra.Command{
			Use:  "migrate",
			RunE: func(cmd *cobra.Command, args []string) error { return migrate(cfgPath) },
		},
		&cobra.Command{
			Use:  "run",
			RunE: func(cmd *cobra.Command, args []string) error { return run(cfgPath) },
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrate(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return store.Migrate(db)
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Format(cfg.LogFormat), cfg.LogDebug)
	log := logging.For("signer")

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	registry, err := chain.DialRegistry(cfg.ParseChainEndpoints())
	if err != nil {
		return err
	}
	fees := chain.NewFeeCache(registry, 0)
	nonces := nonce.NewCoordinator(rdb, cfg.NoncePoolTTL)
	keys, err := signing.NewStaticKeyProvider(cfg.ParseSignerKeys())
	if err != nil {
		return err
	}

	var tokens []domain.SupportedToken
	for _, t := range cfg.ParseSupportedTokens() {
		tokens = append(tokens, domain.SupportedToken{Chain: t.Chain, Network: t.Network, Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals})
	}
	tokenRegistry := domain.NewStaticTokenRegistry(tokens)

	requests := store.NewRequestRepo(db)
	signedTx := store.NewSignedTxRepo(db)

	txRequestQueue := queue.NewRedisQueue(rdb, queue.TxRequest, cfg.VisibilityTimeout, cfg.MaxDeliveries)
	signedTxQueue := queue.NewRedisQueue(rdb, queue.SignedTx, cfg.VisibilityTimeout, cfg.MaxDeliveries)

	params := signer.Params{
		Batching: batching.Params{
			BatchThreshold: cfg.BatchThreshold, MinBatchSize: cfg.MinBatchSize, MinGasSavingsPercent: cfg.MinGasSavingsPercent,
			SingleTxGasEstimate: cfg.SingleTxGasEstimate, BatchBaseGas: cfg.BatchBaseGas, BatchPerTxGas: cfg.BatchPerTxGas,
		},
		GasTipPercent: cfg.GasTipPercent, GasBufferPercent: cfg.GasBufferPercent,
		ReceiveBatchSize: cfg.ReceiveBatchSize, LongPollTimeout: cfg.LongPollTimeout,
		SignerAddresses: signerAddressesFromKeys(cfg.ParseSignerKeys(), keys),
	}

	svc := signer.NewService(requests, signedTx, registry, fees, nonces, keys, tokenRegistry, txRequestQueue, signedTxQueue, params, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("signing worker starting")
	svc.Run(ctx)
	log.Info("signing worker stopped")
	return nil
}

// signerAddressesFromKeys derives each chain's signer address from its
// configured private key, sparing the operator from keeping the address
// config in sync with the key separately.
func signerAddressesFromKeys(hexKeysByChain map[string]string, keys *signing.StaticKeyProvider) map[string]string {
	addrs := make(map[string]string, len(hexKeysByChain))
	for chainName := range hexKeysByChain {
		priv, err := keys.PrivateKey(context.Background(), chainName, "")
		if err != nil {
			continue
		}
		addrs[chainName] = signing.AddressFromKey(priv).Hex()
	}
	return addrs
}
