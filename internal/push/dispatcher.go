package push

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"remote-clauding/internal/metrics"
)

const (
	defaultQueueSize = 64
	defaultWorkers   = 4
)

// Dispatcher fans notifications out to every stored subscription in the
// background. Notify never blocks.
type Dispatcher struct {
	store   Store
	sender  Sender
	queue   chan Notification
	workers int
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. workers bounds concurrent deliveries
// per notification.
func NewDispatcher(store Store, sender Sender, workers int, m *metrics.Metrics) *Dispatcher {
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		store:   store,
		sender:  sender,
		queue:   make(chan Notification, defaultQueueSize),
		workers: workers,
		metrics: m,
	}
}

// Store returns the subscription store.
func (d *Dispatcher) Store() Store { return d.store }

// Notify enqueues n for delivery, dropping it when the queue is full.
func (d *Dispatcher) Notify(n Notification) {
	select {
	case d.queue <- n:
	default:
		log.Warn().Str("title", n.Title).Msg("push queue full; dropping notification")
		d.metrics.PushDelivered("dropped")
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	subs, err := d.store.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list push subscriptions")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			err := d.sender.Send(gctx, sub, n)
			var se *StatusError
			switch {
			case err == nil:
				d.metrics.PushDelivered("ok")
			case errors.As(err, &se) && se.Gone():
				d.metrics.PushDelivered("pruned")
				if err := d.store.Remove(ctx, sub.Endpoint); err != nil {
					log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("prune push subscription")
				} else {
					log.Info().Str("endpoint", sub.Endpoint).Msg("pruned stale push subscription")
				}
			default:
				d.metrics.PushDelivered("error")
				log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push send error")
			}
			return nil
		})
	}
	_ = g.Wait()
}
