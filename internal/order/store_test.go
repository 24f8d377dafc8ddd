package order

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"caravel/internal/messaging"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

// beginTx opens a transaction and rolls it back on cleanup so the mock
// connection is released before the database is closed. Callers must
// expect the rollback before the close.
func beginTx(t *testing.T, db *sql.DB) *sql.Tx {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := NewStore(db).InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestStore_CreateTx_Inserts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	o := messaging.OrderData{OrderID: uuid.New(), CustomerID: uuid.New(), ProductID: uuid.New(), Quantity: 1, TotalAmount: 10}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs(o.OrderID, o.CustomerID, o.ProductID, o.Quantity, o.TotalAmount).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	tx := beginTx(t, db)
	created, status, err := NewStore(db).CreateTx(context.Background(), tx, o)
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if !created || status != StatusPending {
		t.Fatalf("created=%v status=%q, want true/pending", created, status)
	}
}

func TestStore_CreateTx_ExistingRowSelectsBack(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	o := messaging.OrderData{OrderID: uuid.New(), CustomerID: uuid.New(), ProductID: uuid.New(), Quantity: 1, TotalAmount: 10}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(o.OrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectRollback()
	mock.ExpectClose()

	tx := beginTx(t, db)
	created, status, err := NewStore(db).CreateTx(context.Background(), tx, o)
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if created || status != StatusApproved {
		t.Fatalf("created=%v status=%q, want false/approved", created, status)
	}
}

func TestStore_ApproveTx_NotPending(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status = 'approved'").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	tx := beginTx(t, db)
	ok, err := NewStore(db).ApproveTx(context.Background(), tx, id)
	if err != nil {
		t.Fatalf("ApproveTx: %v", err)
	}
	if ok {
		t.Fatalf("expected no rows approved")
	}
}

func TestStore_StatusTx_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectClose()

	tx := beginTx(t, db)
	_, err := NewStore(db).StatusTx(context.Background(), tx, id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
