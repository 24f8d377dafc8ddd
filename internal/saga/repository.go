package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"caravel/internal/outbox"
)

var (
	// ErrDuplicateRequest means the external key already owns a saga.
	ErrDuplicateRequest = errors.New("duplicate saga request")
	// ErrNotFound means no saga exists for the given id or key.
	ErrNotFound = errors.New("saga not found")
	// ErrConcurrentUpdate means the persisted row changed since it was
	// loaded. The caller reloads and redrives.
	ErrConcurrentUpdate = errors.New("saga updated concurrently")
)

// Repository persists saga transactions. Create and Update write the
// transaction and the given outbox events in one atomic unit, so a state
// transition and the commands it emits either both land or neither does.
type Repository interface {
	Create(ctx context.Context, txn *Transaction, events []outbox.Event) error
	Load(ctx context.Context, id uuid.UUID) (*Transaction, error)
	LoadByExternalKey(ctx context.Context, key string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction, events []outbox.Event) error
	FindStalled(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
}

// MemoryRepository is an in-process Repository backed by maps. Events ride
// along into the provided outbox store under the same lock, which stands in
// for the transactional coupling the SQL repository provides.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Transaction
	byKey  map[string]uuid.UUID
	events *outbox.MemoryStore
}

func NewMemoryRepository(events *outbox.MemoryStore) *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[uuid.UUID]*Transaction),
		byKey:  make(map[string]uuid.UUID),
		events: events,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, txn *Transaction, events []outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[txn.ExternalKey]; ok {
		return ErrDuplicateRequest
	}
	stored := txn.Clone()
	stored.UpdatedAt = time.Now().UTC()
	r.byID[stored.ID] = stored
	r.byKey[stored.ExternalKey] = stored.ID
	txn.UpdatedAt = stored.UpdatedAt
	return r.appendLocked(ctx, events)
}

func (r *MemoryRepository) Load(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

func (r *MemoryRepository) LoadByExternalKey(ctx context.Context, key string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, txn *Transaction, events []outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[txn.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.UpdatedAt.Equal(txn.UpdatedAt) {
		return ErrConcurrentUpdate
	}
	next := txn.Clone()
	next.UpdatedAt = time.Now().UTC()
	if next.UpdatedAt.Equal(stored.UpdatedAt) {
		next.UpdatedAt = stored.UpdatedAt.Add(time.Nanosecond)
	}
	r.byID[txn.ID] = next
	txn.UpdatedAt = next.UpdatedAt
	return r.appendLocked(ctx, events)
}

func (r *MemoryRepository) FindStalled(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Transaction
	for _, txn := range r.byID {
		if txn.Status.Terminal() || !txn.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, txn.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) appendLocked(ctx context.Context, events []outbox.Event) error {
	for _, ev := range events {
		if err := r.events.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
