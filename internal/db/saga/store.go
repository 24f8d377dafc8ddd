// Package sagadb persists saga transactions in Postgres.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caravel/internal/outbox"
	"caravel/internal/saga"
)

// Store is the Postgres saga repository. Create and Update write the row
// and the given outbox events in one transaction; Update guards against
// lost updates with an updated_at compare-and-set.
type Store struct {
	db     *sql.DB
	events outbox.TxAppender
}

// NewStore constructs a Store over the given database and outbox appender.
func NewStore(db *sql.DB, events outbox.TxAppender) *Store {
	return &Store{db: db, events: events}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB, events outbox.TxAppender) (*Store, error) {
	store := NewStore(db, events)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga_transactions table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_transactions (
			saga_id UUID PRIMARY KEY,
			external_key TEXT NOT NULL UNIQUE,
			steps JSONB NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			compensation_plan JSONB,
			compensation_cursor INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			context JSONB NOT NULL,
			pending_command_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS saga_transactions_active_idx
		ON saga_transactions (updated_at)
		WHERE status NOT IN ('completed', 'compensated')
	`)
	return err
}

// Create inserts the saga and its first outbox events atomically.
// saga.ErrDuplicateRequest is returned when the external key already owns a
// row.
func (s *Store) Create(ctx context.Context, txn *saga.Transaction, events []outbox.Event) error {
	steps, plan, sagaCtx, err := encodeState(txn)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO saga_transactions
			(saga_id, external_key, steps, current_step, compensation_plan,
			 compensation_cursor, status, context, pending_command_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_key) DO NOTHING
		RETURNING updated_at`,
		txn.ID, txn.ExternalKey, steps, txn.CurrentStep, plan,
		txn.CompensationCursor, string(txn.Status), sagaCtx, nullableUUID(txn.PendingCommandID), txn.CreatedAt).
		Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.ErrDuplicateRequest
	}
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}

	if err := s.events.AppendTx(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	committed = true
	txn.UpdatedAt = updatedAt
	return nil
}

// Load fetches a saga by id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*saga.Transaction, error) {
	return s.load(ctx, `WHERE saga_id = $1`, id)
}

// LoadByExternalKey fetches a saga by its deduplication key.
func (s *Store) LoadByExternalKey(ctx context.Context, key string) (*saga.Transaction, error) {
	return s.load(ctx, `WHERE external_key = $1`, key)
}

const selectColumns = `
	SELECT saga_id, external_key, steps, current_step, compensation_plan,
	       compensation_cursor, status, context, pending_command_id, created_at, updated_at
	FROM saga_transactions `

func (s *Store) load(ctx context.Context, where string, arg any) (*saga.Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, selectColumns+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Update rewrites the saga row and appends outbox events atomically. The
// write only lands when updated_at still matches the loaded value;
// otherwise saga.ErrConcurrentUpdate (or saga.ErrNotFound) is returned.
func (s *Store) Update(ctx context.Context, txn *saga.Transaction, events []outbox.Event) error {
	steps, plan, sagaCtx, err := encodeState(txn)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE saga_transactions
		SET steps = $2, current_step = $3, compensation_plan = $4,
		    compensation_cursor = $5, status = $6, context = $7,
		    pending_command_id = $8, updated_at = NOW()
		WHERE saga_id = $1 AND updated_at = $9
		RETURNING updated_at`,
		txn.ID, steps, txn.CurrentStep, plan, txn.CompensationCursor,
		string(txn.Status), sagaCtx, nullableUUID(txn.PendingCommandID), txn.UpdatedAt).
		Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if cerr := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_transactions WHERE saga_id = $1)`, txn.ID).Scan(&exists); cerr != nil {
			return cerr
		}
		if exists {
			return saga.ErrConcurrentUpdate
		}
		return saga.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}

	if err := s.events.AppendTx(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	committed = true
	txn.UpdatedAt = updatedAt
	return nil
}

// FindStalled lists non-terminal sagas untouched since the cutoff.
func (s *Store) FindStalled(ctx context.Context, olderThan time.Time, limit int) ([]*saga.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status NOT IN ('completed', 'compensated') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*saga.Transaction, error) {
	var (
		txn     saga.Transaction
		steps   []byte
		plan    []byte
		sagaCtx []byte
		pending uuid.NullUUID
		status  string
	)
	err := row.Scan(&txn.ID, &txn.ExternalKey, &steps, &txn.CurrentStep, &plan,
		&txn.CompensationCursor, &status, &sagaCtx, &pending, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	txn.Status = saga.Status(status)
	if pending.Valid {
		txn.PendingCommandID = pending.UUID
	}
	if err := json.Unmarshal(steps, &txn.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &txn.CompensationPlan); err != nil {
			return nil, fmt.Errorf("decode compensation plan: %w", err)
		}
	}
	if err := json.Unmarshal(sagaCtx, &txn.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &txn, nil
}

func encodeState(txn *saga.Transaction) (steps, plan, sagaCtx []byte, err error) {
	steps, err = json.Marshal(txn.Steps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	plan, err = json.Marshal(txn.CompensationPlan)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode compensation plan: %w", err)
	}
	sagaCtx, err = json.Marshal(txn.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode context: %w", err)
	}
	return steps, plan, sagaCtx, nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
