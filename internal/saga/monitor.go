package saga

import (
	"context"
	"log/slog"
	"time"

	"caravel/internal/observability"
)

// MonitorConfig tunes the stall sweep.
type MonitorConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Threshold is how long a non-terminal saga may sit untouched before
	// it counts as stalled.
	Threshold time.Duration
	// Limit caps the sagas flagged per sweep.
	Limit int
}

// Monitor periodically flags sagas that stopped making progress, typically
// because a reply was lost past the transport's redelivery budget or a
// halted compensation is waiting on an operator. It only reports; it never
// mutates saga state.
type Monitor struct {
	repo      Repository
	interval  time.Duration
	threshold time.Duration
	limit     int
	log       *slog.Logger
	metrics   *observability.Metrics
}

// NewMonitor constructs a stall monitor over the repository.
func NewMonitor(repo Repository, cfg MonitorConfig, log *slog.Logger, metrics *observability.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		repo:      repo,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		limit:     cfg.Limit,
		log:       log,
		metrics:   metrics,
	}
}

// Run sweeps until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("stall sweep failed", "error", err)
			}
		}
	}
}

// Sweep flags every non-terminal saga untouched for longer than the
// threshold and returns how many it found.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.threshold)
	stalled, err := m.repo.FindStalled(ctx, cutoff, m.limit)
	if err != nil {
		return 0, err
	}
	for _, txn := range stalled {
		m.metrics.AddSagaStalled()
		m.log.Warn("saga stalled",
			"saga_id", txn.ID,
			"status", txn.Status,
			"step", txn.CurrentStep,
			"idle_since", txn.UpdatedAt)
	}
	return len(stalled), nil
}
