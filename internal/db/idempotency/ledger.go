// Package idempotencydb persists the processed-command ledger in Postgres.
package idempotencydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"caravel/internal/idempotency"
)

// Ledger is the Postgres processed-command store. Its tx-scoped methods
// satisfy the participant runtime.
type Ledger struct {
	db *sql.DB
}

// NewLedger constructs a Ledger over the given database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// NewLedgerWithSchema initializes the schema then returns the ledger.
func NewLedgerWithSchema(ctx context.Context, db *sql.DB) (*Ledger, error) {
	ledger := NewLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the processed_commands table if it does not exist.
func (l *Ledger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_commands (
			idempotency_key TEXT PRIMARY KEY,
			command_id UUID NOT NULL,
			outcome TEXT NOT NULL,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

const selectEntry = `
	SELECT command_id, outcome, result, error, processed_at
	FROM processed_commands WHERE idempotency_key = $1`

// Lookup returns the stored entry for the key, if any.
func (l *Ledger) Lookup(ctx context.Context, key string) (idempotency.Entry, bool, error) {
	return scanEntry(l.db.QueryRowContext(ctx, selectEntry, key), key)
}

// LookupTx reads the entry inside the caller's transaction.
func (l *Ledger) LookupTx(ctx context.Context, tx *sql.Tx, key string) (idempotency.Entry, bool, error) {
	return scanEntry(tx.QueryRowContext(ctx, selectEntry, key), key)
}

// RecordTx inserts the entry inside the caller's transaction; at most one
// row per key ever lands.
func (l *Ledger) RecordTx(ctx context.Context, tx *sql.Tx, entry idempotency.Entry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_commands (idempotency_key, command_id, outcome, result, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.Key, entry.CommandID, string(entry.Outcome), nullableJSON(entry.Result), entry.Error, entry.ProcessedAt)
	if err != nil {
		return fmt.Errorf("record processed command: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var existing uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT command_id FROM processed_commands WHERE idempotency_key = $1`, entry.Key).Scan(&existing)
	if err != nil {
		return err
	}
	if existing != entry.CommandID {
		return idempotency.ErrKeyConflict
	}
	return nil
}

func scanEntry(row *sql.Row, key string) (idempotency.Entry, bool, error) {
	entry := idempotency.Entry{Key: key}
	var result []byte
	err := row.Scan(&entry.CommandID, &entry.Outcome, &result, &entry.Error, &entry.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Entry{}, false, nil
	}
	if err != nil {
		return idempotency.Entry{}, false, err
	}
	entry.Result = result
	return entry, true, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
