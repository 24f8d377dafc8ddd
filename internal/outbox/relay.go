package outbox

import (
	"context"
	"log/slog"
	"time"

	"caravel/internal/messaging"
	"caravel/internal/observability"
)

// RelayConfig tunes the background publisher.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	Retry     RetryPolicy
	Breaker   *CircuitBreaker
}

// Relay drains the outbox store and publishes to the bus, at least once.
// An event is marked published only after the bus accepts it, so a crash
// between send and mark produces a duplicate send, never a lost one.
// Multiple relay instances may run concurrently; the store's claim keeps
// them off each other's rows.
type Relay struct {
	store     Store
	bus       messaging.Bus
	interval  time.Duration
	batchSize int
	retry     RetryPolicy
	breaker   *CircuitBreaker
	log       *slog.Logger
	metrics   *observability.Metrics
}

// NewRelay constructs a Relay with defaults filled in.
func NewRelay(store Store, bus messaging.Bus, cfg RelayConfig, log *slog.Logger, metrics *observability.Metrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		store:     store,
		bus:       bus,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		retry:     cfg.Retry,
		breaker:   cfg.Breaker,
		log:       log,
		metrics:   metrics,
	}
}

// Run polls the store until the context ends.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("outbox pass failed", "error", err)
				r.metrics.AddRelayError()
			}
		}
	}
}

// RunOnce processes a single batch and returns the published count.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	published, err := r.store.ProcessPending(ctx, r.batchSize, r.publish)
	if published > 0 {
		r.metrics.AddRelayPublished(published)
		r.log.Debug("outbox events published", "count", published)
	}
	return published, err
}

func (r *Relay) publish(ctx context.Context, ev Event) error {
	err := r.retry.Do(ctx, func() error {
		return r.breaker.Execute(func() error {
			return r.bus.Publish(ctx, ev.Topic, ev.AggregateID.String(), ev.Payload)
		})
	})
	if err != nil {
		r.log.Warn("publish failed", "event", ev.ID, "topic", ev.Topic, "attempts", ev.Attempts+1, "error", err)
		r.metrics.AddRelayError()
	}
	return err
}
