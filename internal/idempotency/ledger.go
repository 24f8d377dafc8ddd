// Package idempotency records already-processed command keys so redelivered
// commands return their stored result instead of re-executing the effect.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"caravel/internal/messaging"
)

// ErrKeyConflict signals an idempotency key reused by a different command.
var ErrKeyConflict = errors.New("idempotency key reused by a different command")

// Entry is one processed-command record. Once written it is immutable:
// replaying the key returns the stored outcome unchanged.
type Entry struct {
	Key         string
	CommandID   uuid.UUID
	Outcome     messaging.Outcome
	Result      json.RawMessage
	Error       string
	ProcessedAt time.Time
}

// Ledger is the per-participant processed-command store.
type Ledger interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Record(ctx context.Context, entry Entry) error
}

// MemoryLedger keeps entries in-process; used in tests and the brokerless
// dev fallback. It also satisfies the transaction-scoped interfaces of the
// participant runtime by ignoring the transaction handle.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

// Lookup returns the stored entry for the key, if any.
func (l *MemoryLedger) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	return entry, ok, nil
}

// Record stores the entry; at most one row per key.
func (l *MemoryLedger) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[entry.Key]; ok {
		if existing.CommandID != entry.CommandID {
			return ErrKeyConflict
		}
		return nil
	}
	l.entries[entry.Key] = entry
	return nil
}

// LookupTx implements the participant runtime's tx-scoped lookup.
func (l *MemoryLedger) LookupTx(ctx context.Context, _ *sql.Tx, key string) (Entry, bool, error) {
	return l.Lookup(ctx, key)
}

// RecordTx implements the participant runtime's tx-scoped insert.
func (l *MemoryLedger) RecordTx(ctx context.Context, _ *sql.Tx, entry Entry) error {
	return l.Record(ctx, entry)
}

// Len reports the number of stored entries (for testing/inspection).
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
