package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one not-yet-published row of the transactional outbox. Payload is
// the final wire message; the relay publishes it verbatim to Topic, keyed by
// AggregateID so per-aggregate order survives transport partitioning.
type Event struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	Topic       string
	Type        string
	Payload     json.RawMessage
	Published   bool
	Attempts    int
	CreatedAt   time.Time
}

// NewEvent constructs an unpublished event.
func NewEvent(aggregateID uuid.UUID, topic, eventType string, payload json.RawMessage) Event {
	return Event{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		Topic:       topic,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}

// PublishFunc delivers one claimed event to the transport.
type PublishFunc func(ctx context.Context, ev Event) error

// Store persists outbox events and hands unpublished ones to the relay.
type Store interface {
	// Append inserts events in their own transaction. State-coupled writes
	// go through AppendTx instead.
	Append(ctx context.Context, events ...Event) error

	// ProcessPending claims up to limit unpublished events, invokes publish
	// on each in creation order, and marks the successful ones published.
	// When publish fails for an event, later events of the same aggregate
	// are skipped so per-aggregate order is preserved. Claims do not
	// overlap across concurrent callers. Returns the published count.
	ProcessPending(ctx context.Context, limit int, publish PublishFunc) (int, error)
}

// TxAppender inserts events inside a caller-owned transaction; this is the
// half of the pattern that makes "mutate state, emit message" atomic.
type TxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, events ...Event) error
}

// MemoryStore is an in-process Store and TxAppender for tests and the
// brokerless dev fallback.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records the events.
func (s *MemoryStore) Append(ctx context.Context, events ...Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// AppendTx records the events, ignoring the transaction handle.
func (s *MemoryStore) AppendTx(ctx context.Context, _ *sql.Tx, events ...Event) error {
	return s.Append(ctx, events...)
}

// ProcessPending publishes unpublished events in order, skipping aggregates
// that already failed within this pass.
func (s *MemoryStore) ProcessPending(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	published := 0
	failed := make(map[uuid.UUID]bool)
	for i := range s.events {
		if published >= limit {
			break
		}
		ev := &s.events[i]
		if ev.Published || failed[ev.AggregateID] {
			continue
		}
		if err := publish(ctx, *ev); err != nil {
			ev.Attempts++
			failed[ev.AggregateID] = true
			continue
		}
		ev.Published = true
		published++
	}
	return published, nil
}

// All returns a copy of every recorded event (for testing/inspection).
func (s *MemoryStore) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Unpublished returns the events still awaiting publication.
func (s *MemoryStore) Unpublished() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if !ev.Published {
			out = append(out, ev)
		}
	}
	return out
}
