// Package outboxdb persists outbox events in Postgres and implements the
// relay's claim-and-publish pass.
package outboxdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"caravel/internal/outbox"
)

// Store is the Postgres outbox. It implements outbox.Store and
// outbox.TxAppender.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox_events table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_events (
			event_id UUID PRIMARY KEY,
			aggregate_id UUID NOT NULL,
			topic TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx
		ON outbox_events (created_at) WHERE NOT published
	`)
	return err
}

const insertEvent = `
	INSERT INTO outbox_events (event_id, aggregate_id, topic, event_type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (event_id) DO NOTHING`

// Append inserts events in their own implicit transactions.
func (s *Store) Append(ctx context.Context, events ...outbox.Event) error {
	for _, ev := range events {
		if _, err := s.db.ExecContext(ctx, insertEvent,
			ev.ID, ev.AggregateID, ev.Topic, ev.Type, []byte(ev.Payload), ev.CreatedAt); err != nil {
			return fmt.Errorf("append outbox event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// AppendTx inserts events inside the caller's transaction.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, events ...outbox.Event) error {
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, insertEvent,
			ev.ID, ev.AggregateID, ev.Topic, ev.Type, []byte(ev.Payload), ev.CreatedAt); err != nil {
			return fmt.Errorf("append outbox event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// ProcessPending claims up to limit unpublished events with SKIP LOCKED so
// concurrent relays never double-publish, publishes them in creation order
// and marks the delivered ones. A failed event blocks later events of its
// aggregate for this pass.
//
// The claim transaction stays open across the publishes, so its row locks
// are held for the duration of one batch. The batch size bounds that
// window; if passes ever grow long, split the claim into a persisted
// claimed_at mark committed before publishing.
func (s *Store) ProcessPending(ctx context.Context, limit int, publish outbox.PublishFunc) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin claim tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, aggregate_id, topic, event_type, payload, attempts, created_at
		FROM outbox_events
		WHERE NOT published
		ORDER BY created_at, event_id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("claim events: %w", err)
	}

	var claimed []outbox.Event
	for rows.Next() {
		var ev outbox.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.Topic, &ev.Type, &payload, &ev.Attempts, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	published := 0
	failed := make(map[uuid.UUID]bool)
	for _, ev := range claimed {
		if failed[ev.AggregateID] {
			continue
		}
		if err := publish(ctx, ev); err != nil {
			failed[ev.AggregateID] = true
			if _, uerr := tx.ExecContext(ctx,
				`UPDATE outbox_events SET attempts = attempts + 1 WHERE event_id = $1`, ev.ID); uerr != nil {
				return published, fmt.Errorf("bump attempts: %w", uerr)
			}
			continue
		}
		if _, uerr := tx.ExecContext(ctx,
			`UPDATE outbox_events SET published = TRUE WHERE event_id = $1`, ev.ID); uerr != nil {
			return published, fmt.Errorf("mark published: %w", uerr)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return published, fmt.Errorf("commit claim tx: %w", err)
	}
	committed = true
	return published, nil
}
