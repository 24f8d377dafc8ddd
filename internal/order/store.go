// Package order is the order participant: it owns the orders table and
// handles create, approve and cancel commands.
package order

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"caravel/internal/messaging"
)

// Order lifecycle states.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCancelled = "cancelled"
)

// ErrNotFound signals an order id with no row.
var ErrNotFound = errors.New("order not found")

// Store persists orders in Postgres. Mutations run inside the caller's
// transaction so they commit together with the ledger and outbox writes.
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

// InitSchema creates the orders table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id UUID PRIMARY KEY,
			customer_id UUID NOT NULL,
			product_id UUID NOT NULL,
			quantity INT NOT NULL,
			total_amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// CreateTx inserts the order as pending. When the row already exists the
// insert is a no-op and the existing status is returned with created=false.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, o messaging.OrderData) (created bool, status string, err error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders (order_id, customer_id, product_id, quantity, total_amount, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, o.CustomerID, o.ProductID, o.Quantity, o.TotalAmount)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected > 0 {
		return true, StatusPending, nil
	}
	status, err = s.StatusTx(ctx, tx, o.OrderID)
	return false, status, err
}

// ApproveTx flips a pending order to approved. Returns false when the order
// was not pending.
func (s *Store) ApproveTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = 'approved', updated_at = NOW()
		 WHERE order_id = $1 AND status = 'pending'`, orderID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CancelTx flips a pending or approved order to cancelled. Returns false
// when no such row existed.
func (s *Store) CancelTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = 'cancelled', updated_at = NOW()
		 WHERE order_id = $1 AND status IN ('pending', 'approved')`, orderID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// StatusTx reads the order status inside the transaction.
func (s *Store) StatusTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = $1`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// Status reads the order status outside any transaction.
func (s *Store) Status(ctx context.Context, orderID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = $1`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
