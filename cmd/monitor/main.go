// Command monitor runs the Monitor stage (spec §4.4): it tracks every
// broadcast transaction until confirmed or reverted, alerting on
// transactions pending past the configured threshold.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/chain"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/config"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/logging"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/monitor"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "monitor", Short: "Confirmation monitor for the withdrawal pipeline"}
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
	log := logging.For("monitor")

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

	requests := store.NewRequestRepo(db)
	senttx := store.NewSentTxRepo(db)
	broadcastTxQueue := queue.NewRedisQueue(rdb, queue.BroadcastTx, cfg.VisibilityTimeout, cfg.MaxDeliveries)

	params := monitor.DefaultParams()
	params.ReceiveBatchSize, params.LongPollTimeout = cfg.ReceiveBatchSize, cfg.LongPollTimeout

	svc := monitor.NewService(broadcastTxQueue, registry, senttx, requests, monitor.LoggingAlertSink{Log: log}, params, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("confirmation monitor starting")
	svc.Run(ctx)
	log.Info("confirmation monitor stopped")
	return nil
}
