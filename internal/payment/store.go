// Package payment is the payment participant: it charges orders and refunds
// them during compensation.
package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Payment states.
const (
	StatusCharged  = "charged"
	StatusRefunded = "refunded"
)

// ErrNotCharged signals a refund for an order with no recorded charge.
var ErrNotCharged = errors.New("payment not charged")

// Store persists payments in Postgres.
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

// InitSchema creates the payments table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id UUID PRIMARY KEY,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'charged',
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ
		)
	`)
	return err
}

// ChargeTx records a charge for the order. When a charge already exists the
// insert is a no-op and charged=false is returned.
func (s *Store) ChargeTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, amount float64) (charged bool, err error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, amount, status) VALUES ($1, $2, 'charged')
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID, amount)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RefundTx flips a charged payment to refunded. Returns false when no
// charged row existed.
func (s *Store) RefundTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'refunded', refunded_at = NOW()
		 WHERE order_id = $1 AND status = 'charged'`, orderID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// StatusTx reads the payment status inside the transaction.
func (s *Store) StatusTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM payments WHERE order_id = $1`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotCharged
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
