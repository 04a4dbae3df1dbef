package trade

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"blackjack/internal/bus"
	"blackjack/internal/schema"
)

// DefaultOutboxPoll is the relay poll interval.
const DefaultOutboxPoll = 200 * time.Millisecond

// Outbox relays staged lifecycle events to their planes: trade.* stays on
// the trade store, execution results go to the compute store. Records are
// marked sent only after a successful append, so a crash re-sends rather
// than loses; downstream dedup rides on the envelope event_id.
type Outbox struct {
	store   Store
	trade   *bus.Producer
	compute *bus.Producer
	poll    time.Duration
}

// NewOutbox builds the relay over per-plane producers.
func NewOutbox(store Store, trade, compute *bus.Producer, poll time.Duration) *Outbox {
	if poll <= 0 {
		poll = DefaultOutboxPoll
	}
	return &Outbox{store: store, trade: trade, compute: compute, poll: poll}
}

// Run polls until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Flush(ctx); err != nil {
				logs.Errorf("outbox flush: %+v", err)
			}
		}
	}
}

// Flush publishes every pending record once. Returns how many were sent.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	pending, err := o.store.PendingOutbox(ctx, 64)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range pending {
		producer := o.trade
		if rec.Plane == PlaneCompute {
			producer = o.compute
		}
		env, err := schema.Decode(rec.Envelope)
		if err != nil {
			// A record this layer wrote and cannot read back is a bug, not
			// a retry candidate. Park it as sent and scream.
			logs.Errorf("outbox record %d unreadable: %+v", rec.ID, err)
			_ = o.store.MarkOutboxSent(ctx, rec.ID, time.Now().UTC())
			continue
		}
		if _, err := producer.Publish(ctx, rec.Stream, env); err != nil {
			if _, fatal := schema.AsContractViolation(err); fatal {
				logs.Errorf("outbox record %d rejected by contract: %+v", rec.ID, err)
				_ = o.store.MarkOutboxSent(ctx, rec.ID, time.Now().UTC())
				continue
			}
			// Store trouble: stop here, keep order, retry next poll.
			return sent, err
		}
		if err := o.store.MarkOutboxSent(ctx, rec.ID, time.Now().UTC()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
