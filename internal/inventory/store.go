// Package inventory is the inventory participant: it reserves stock for
// orders and releases reservations during compensation.
package inventory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Reservation states.
const (
	StatusReserved = "reserved"
	StatusReleased = "released"
)

// ErrNoReservation signals a release for an order with no active reservation.
var ErrNoReservation = errors.New("no active reservation")

// Store persists stock levels and reservations in Postgres.
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

// InitSchema creates the stock and reservations tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stock (
			product_id UUID PRIMARY KEY,
			available INT NOT NULL CHECK (available >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reservations (
			order_id UUID PRIMARY KEY,
			product_id UUID NOT NULL,
			quantity INT NOT NULL,
			status TEXT NOT NULL DEFAULT 'reserved',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			released_at TIMESTAMPTZ
		)
	`)
	return err
}

// SeedStock sets the available quantity for a product, inserting or
// overwriting.
func (s *Store) SeedStock(ctx context.Context, productID uuid.UUID, available int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock (product_id, available) VALUES ($1, $2)
		 ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()`,
		productID, available)
	return err
}

// Available reads the current stock level for a product.
func (s *Store) Available(ctx context.Context, productID uuid.UUID) (int, error) {
	var available int
	err := s.db.QueryRowContext(ctx, `SELECT available FROM stock WHERE product_id = $1`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return available, nil
}

// DeductTx atomically takes quantity units off the product's stock. Returns
// false when the product is unknown or short.
func (s *Store) DeductTx(ctx context.Context, tx *sql.Tx, productID uuid.UUID, quantity int) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE stock SET available = available - $2, updated_at = NOW()
		 WHERE product_id = $1 AND available >= $2`, productID, quantity)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RestoreTx puts quantity units back on the product's stock.
func (s *Store) RestoreTx(ctx context.Context, tx *sql.Tx, productID uuid.UUID, quantity int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stock SET available = available + $2, updated_at = NOW()
		 WHERE product_id = $1`, productID, quantity)
	return err
}

// ReserveTx records the reservation row. Returns false when the order
// already holds one.
func (s *Store) ReserveTx(ctx context.Context, tx *sql.Tx, orderID, productID uuid.UUID, quantity int) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (order_id, product_id, quantity, status)
		 VALUES ($1, $2, $3, 'reserved')
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID, productID, quantity)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseTx flips an active reservation to released and returns its product
// and quantity so the caller can restore stock. ErrNoReservation means there
// was nothing to release.
func (s *Store) ReleaseTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (uuid.UUID, int, error) {
	var productID uuid.UUID
	var quantity int
	err := tx.QueryRowContext(ctx,
		`UPDATE reservations SET status = 'released', released_at = NOW()
		 WHERE order_id = $1 AND status = 'reserved'
		 RETURNING product_id, quantity`, orderID).Scan(&productID, &quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, 0, ErrNoReservation
	}
	if err != nil {
		return uuid.Nil, 0, err
	}
	return productID, quantity, nil
}
