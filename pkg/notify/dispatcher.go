package notify

import (
	"context"
	"log/slog"
	"time"

	"talkrelay/pkg/store"
)

// Dispatcher drains the relational outbox and publishes pending records.
// Delivery is at-least-once: a record is marked published only after the
// broker accepted it, and consumers dedupe by event id.
type Dispatcher struct {
	outbox    store.OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewDispatcher builds a dispatcher with sane defaults.
func NewDispatcher(outbox store.OutboxStore, publisher Publisher, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Drain(ctx); err != nil {
					slog.Warn("outbox drain failed", "err", err)
				}
			}
		}
	}()
}

// Drain publishes one batch of pending records.
func (d *Dispatcher) Drain(ctx context.Context) error {
	pending, err := d.outbox.ListUnpublished(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	published := make([]uint64, 0, len(pending))
	for _, rec := range pending {
		if err := d.publisher.Publish(ctx, rec); err != nil {
			// Stop at the first broker failure; unpublished rows stay
			// pending and are retried on the next tick.
			slog.Warn("publish outbox record failed", "event_id", rec.EventID, "err", err)
			break
		}
		published = append(published, rec.ID)
	}
	if len(published) == 0 {
		return nil
	}
	return d.outbox.MarkPublished(ctx, published)
}
