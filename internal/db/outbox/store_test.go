package outboxdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"caravel/internal/outbox"
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

func claimedRows(events ...outbox.Event) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"event_id", "aggregate_id", "topic", "event_type", "payload", "attempts", "created_at"})
	for _, ev := range events {
		rows.AddRow(ev.ID, ev.AggregateID, ev.Topic, ev.Type, []byte(ev.Payload), ev.Attempts, ev.CreatedAt)
	}
	return rows
}

func TestStore_AppendTx_InsertsEachEvent(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	ev1 := outbox.NewEvent(uuid.New(), "order_commands", "create-order", []byte(`{}`))
	ev2 := outbox.NewEvent(uuid.New(), "saga_replies", "reply.success", []byte(`{}`))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(ev1.ID, ev1.AggregateID, ev1.Topic, ev1.Type, []byte(ev1.Payload), ev1.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(ev2.ID, ev2.AggregateID, ev2.Topic, ev2.Type, []byte(ev2.Payload), ev2.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectClose()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := NewStore(db).AppendTx(context.Background(), tx, ev1, ev2); err != nil {
		t.Fatalf("AppendTx: %v", err)
	}
}

func TestStore_ProcessPending_PublishesAndMarks(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	ev1 := outbox.NewEvent(uuid.New(), "order_commands", "create-order", []byte(`{"a":1}`))
	ev2 := outbox.NewEvent(uuid.New(), "saga_replies", "reply.success", []byte(`{"b":2}`))
	ev1.CreatedAt = time.Now().UTC().Add(-time.Second)
	ev2.CreatedAt = time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, aggregate_id, topic").
		WithArgs(10).
		WillReturnRows(claimedRows(ev1, ev2))
	mock.ExpectExec("UPDATE outbox_events SET published = TRUE").
		WithArgs(ev1.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET published = TRUE").
		WithArgs(ev2.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	var published []string
	n, err := NewStore(db).ProcessPending(context.Background(), 10, func(ctx context.Context, ev outbox.Event) error {
		published = append(published, ev.Topic)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
	if published[0] != "order_commands" || published[1] != "saga_replies" {
		t.Fatalf("publish order = %v", published)
	}
}

func TestStore_ProcessPending_FailureBlocksAggregate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	agg := uuid.New()
	ev1 := outbox.NewEvent(agg, "order_commands", "create-order", []byte(`{}`))
	ev2 := outbox.NewEvent(agg, "order_commands", "approve-order", []byte(`{}`))
	ev1.CreatedAt = time.Now().UTC().Add(-time.Second)
	ev2.CreatedAt = time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, aggregate_id, topic").
		WithArgs(10).
		WillReturnRows(claimedRows(ev1, ev2))
	mock.ExpectExec("UPDATE outbox_events SET attempts = attempts").
		WithArgs(ev1.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	calls := 0
	n, err := NewStore(db).ProcessPending(context.Background(), 10, func(ctx context.Context, ev outbox.Event) error {
		calls++
		return errors.New("redis down")
	})
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 0 {
		t.Fatalf("published = %d, want 0", n)
	}
	if calls != 1 {
		t.Fatalf("publish calls = %d, want 1 (second event same aggregate must be skipped)", calls)
	}
}
