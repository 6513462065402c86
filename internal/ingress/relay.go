package ingress

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/globalmsq/asset-withdrawal-pipeline/internal/queue"
	"github.com/globalmsq/asset-withdrawal-pipeline/internal/store"
)

// Relay drains the transactional outbox into the message bus. It never
// touches withdrawal_requests itself — its only job is to make
// publication eventually happen for every row Submit committed. Submit
// itself never publishes; this relay is the only publisher.
type Relay struct {
	outbox    *store.OutboxRepo
	publisher queue.Publisher
	log       log.Logger
	interval  time.Duration
	batch     int
}

func NewRelay(outbox *store.OutboxRepo, publisher queue.Publisher, logger log.Logger) *Relay {
	return &Relay{outbox: outbox, publisher: publisher, log: logger, interval: 500 * time.Millisecond, batch: 50}
}

// Run polls ListUnpublished until ctx is cancelled, publishing each row
// and marking it published only after Publish returns nil — so a
// publisher outage simply delays delivery rather than losing rows.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) {
	rows, err := r.outbox.ListUnpublished(ctx, r.batch)
	if err != nil {
		r.log.Error("list unpublished outbox rows failed", "err", err)
		return
	}
	for _, row := range rows {
		if err := r.publisher.Publish(ctx, row.Key, row.Body); err != nil {
			r.log.Warn("publish outbox row failed, will retry", "queue", row.QueueName, "key", row.Key, "err", err)
			continue
		}
		if err := r.outbox.MarkPublished(ctx, row.ID); err != nil {
			r.log.Error("mark outbox row published failed", "id", row.ID, "err", err)
		}
	}
}
