package saga

import (
	"context"
	"testing"
	"time"

	"caravel/internal/outbox"
)

func TestSweepFlagsIdleSagas(t *testing.T) {
	store := outbox.NewMemoryStore()
	repo := NewMemoryRepository(store)
	c := NewCoordinator(repo, CoordinatorConfig{}, nil, nil)

	stale, _, err := c.Create(context.Background(), "req-stale", testOrder())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := c.Create(context.Background(), "req-fresh", testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Age the first saga past the threshold.
	repo.mu.Lock()
	repo.byID[stale.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	repo.mu.Unlock()

	m := NewMonitor(repo, MonitorConfig{Threshold: time.Minute}, nil, nil)
	n, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("stalled = %d, want 1", n)
	}
}

func TestSweepIgnoresTerminalSagas(t *testing.T) {
	store := outbox.NewMemoryStore()
	repo := NewMemoryRepository(store)
	c := NewCoordinator(repo, CoordinatorConfig{}, nil, nil)

	txn, _, err := c.Create(context.Background(), "req-1", testOrder())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for range OrderSteps() {
		succeedPending(t, c, store)
	}

	repo.mu.Lock()
	repo.byID[txn.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	repo.mu.Unlock()

	m := NewMonitor(repo, MonitorConfig{Threshold: time.Minute}, nil, nil)
	n, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("stalled = %d, want 0", n)
	}
}
