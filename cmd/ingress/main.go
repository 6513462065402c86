// Command ingress runs the Ingress stage's outbox relay: the library
// surface (Service.Submit) is embedded by whatever HTTP/CLI front door a
// deployment chooses to run (out of scope here); this binary only needs
// to keep committed outbox rows flowing onto the tx-request queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/config"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/ingress"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/logging"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "ingress", Short: "Ingress outbox relay for the withdrawal pipeline"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (optional)")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "print build version",
			Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "apply the database schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
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
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "run the outbox relay until signaled to stop",
			RunE:  runIngress(&cfgPath),
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runIngress(cfgPath *string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		logging.Init(logging.Format(cfg.LogFormat), cfg.LogDebug)
		log := logging.For("ingress")

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

		outbox := store.NewOutboxRepo(db)
		txRequestQueue := queue.NewRedisQueue(rdb, queue.TxRequest, cfg.VisibilityTimeout, cfg.MaxDeliveries)

		relay := ingress.NewRelay(outbox, txRequestQueue, log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("ingress outbox relay starting")
		relay.Run(ctx)
		log.Info("ingress outbox relay stopped")
		return nil
	}
}
