// Command broadcaster runs the Broadcast Worker (spec §4.3): it consumes
// signed-tx messages and submits them to the chain in strict per-signer
// nonce order.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/broadcaster"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/config"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/logging"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/nonce"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/signing"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "broadcaster", Short: "Broadcast worker for the withdrawal pipeline"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (optional)")

	root.AddCommand(
		&cobra.Command{Use: "version", Run: func(cmd *cobra.Command, args []string) { fmt.Println(version) }},
		&cobra.Command{Use: "migrate", RunE: func(cmd *cobra.Command, args []string) error { return migrate(cfgPath) }},
		&cobra.Command{Use: "run", RunE: func(cmd *cobra.Command, args []string) error { return run(cfgPath) }},
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
	log := logging.For("broadcaster")

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
	nonces := nonce.NewCoordinator(rdb, cfg.NoncePoolTTL)
	keys, err := signing.NewStaticKeyProvider(cfg.ParseSignerKeys())
	if err != nil {
		return err
	}

	requests := store.NewRequestRepo(db)
	signedTx := store.NewSignedTxRepo(db)

	signedTxQueue := queue.NewRedisQueue(rdb, queue.SignedTx, cfg.VisibilityTimeout, cfg.MaxDeliveries)
	broadcastTxQueue := queue.NewRedisQueue(rdb, queue.BroadcastTx, cfg.VisibilityTimeout, cfg.MaxDeliveries)

	params := broadcaster.Params{
		ReceiveBatchSize: cfg.ReceiveBatchSize, LongPollTimeout: cfg.LongPollTimeout,
		GapTimeout: cfg.NonceGapTimeout, FeeBumpMultiplierPercent: 110,
	}
	svc := broadcaster.NewService(signedTx, requests, registry, nonces, keys, signedTxQueue, broadcastTxQueue, params, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("broadcast worker starting")
	svc.Run(ctx)
	log.Info("broadcast worker stopped")
	return nil
}
