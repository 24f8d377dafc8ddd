package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"caravel/internal/messaging"
	"caravel/internal/outbox"
	"caravel/internal/saga"
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

func testTransaction(t *testing.T) *saga.Transaction {
	t.Helper()
	txn, err := saga.NewTransaction("req-1", messaging.OrderData{Quantity: 1, TotalAmount: 10})
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	return txn
}

func TestStore_Create_InsertsRowAndEvents(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	events := outbox.NewMemoryStore()
	txn := testTransaction(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO saga_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now().UTC()))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewStore(db, events)
	ev := outbox.NewEvent(txn.ID, messaging.TopicOrderCommands, "create-order", []byte(`{}`))
	if err := store.Create(context.Background(), txn, []outbox.Event{ev}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(events.All()) != 1 {
		t.Fatalf("events appended = %d, want 1", len(events.All()))
	}
	if txn.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not taken from the returning clause")
	}
}

func TestStore_Create_DuplicateKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO saga_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db, outbox.NewMemoryStore())
	err := store.Create(context.Background(), testTransaction(t), nil)
	if !errors.Is(err, saga.ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestStore_Update_ConcurrentChange(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE saga_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db, outbox.NewMemoryStore())
	err := store.Update(context.Background(), testTransaction(t), nil)
	if !errors.Is(err, saga.ErrConcurrentUpdate) {
		t.Fatalf("err = %v, want ErrConcurrentUpdate", err)
	}
}

func TestStore_Update_MissingRow(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE saga_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewStore(db, outbox.NewMemoryStore())
	err := store.Update(context.Background(), testTransaction(t), nil)
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Load_DecodesJSONColumns(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	want := testTransaction(t)
	want.Steps[0].Status = saga.StepSucceeded
	want.CompensationPlan = []int{0}
	steps, _ := json.Marshal(want.Steps)
	plan, _ := json.Marshal(want.CompensationPlan)
	sagaCtx, _ := json.Marshal(want.Context)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT saga_id, external_key, steps").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"saga_id", "external_key", "steps", "current_step", "compensation_plan",
			"compensation_cursor", "status", "context", "pending_command_id", "created_at", "updated_at",
		}).AddRow(want.ID, want.ExternalKey, steps, 1, plan, 0, "compensating", sagaCtx, nil, now, now))
	mock.ExpectClose()

	store := NewStore(db, outbox.NewMemoryStore())
	got, err := store.Load(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != saga.StatusCompensating {
		t.Fatalf("status = %s, want compensating", got.Status)
	}
	if got.Steps[0].Status != saga.StepSucceeded {
		t.Fatalf("step 0 status = %s", got.Steps[0].Status)
	}
	if len(got.CompensationPlan) != 1 || got.CompensationPlan[0] != 0 {
		t.Fatalf("plan = %v, want [0]", got.CompensationPlan)
	}
}

func TestStore_Load_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	txn := testTransaction(t)
	mock.ExpectQuery("SELECT saga_id, external_key, steps").
		WithArgs(txn.ID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	store := NewStore(db, outbox.NewMemoryStore())
	if _, err := store.Load(context.Background(), txn.ID); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
