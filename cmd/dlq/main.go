// Command dlq runs the DLQ Handler (spec §4.5) for all three pipeline
// queues: it classifies each exhausted message's failure and either
// requeues it after an exponential backoff or marks its owning request
// permanently FAILED.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/config"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/dlq"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/logging"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "dlq", Short: "Dead-letter handler for the withdrawal pipeline"}
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
	logger := logging.For("dlq")

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

	requests := store.NewRequestRepo(db)
	params := dlq.Params{
		ReceiveBatchSize: cfg.ReceiveBatchSize, LongPollTimeout: cfg.LongPollTimeout,
		InitialRetryDelay: cfg.InitialRetryDelay, MaxRetryDelay: cfg.MaxRetryDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier, MaxRetryAttempts: cfg.MaxRetryAttempts,
		MaxUnknownRetryAttempts: cfg.MaxUnknownRetryAttempts,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, upstream := range []string{queue.TxRequest, queue.SignedTx, queue.BroadcastTx} {
		upstreamQueue := queue.NewRedisQueue(rdb, upstream, cfg.VisibilityTimeout, cfg.MaxDeliveries)
		svc := dlq.NewService(upstream, upstreamQueue.DLQ(), requests, params, logger.With("upstream", upstream))
		upstream := upstream
		group.Go(func() error {
			logger.Info("dlq handler starting", "upstream", upstream)
			svc.Run(groupCtx)
			logger.Info("dlq handler stopped", "upstream", upstream)
			return nil
		})
	}
	return group.Wait()
}
