package counter

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStoreIncrement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO counters").
		WithArgs("agentcore:sequence:s1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(7)))

	store := NewSQLStore(db)
	value, err := store.Increment(context.Background(), SequenceKey("s1"))
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if value != 7 {
		t.Fatalf("expected 7, got %d", value)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreIncrementError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO counters").
		WillReturnError(context.DeadlineExceeded)

	store := NewSQLStore(db)
	if _, err := store.Increment(context.Background(), "k"); err == nil {
		t.Fatal("expected error when the store is unreachable")
	}
}

func TestSQLStoreExpire(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE counters").
		WithArgs("agentcore:ratelimit:s1", float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewSQLStore(db)
	if err := store.Expire(context.Background(), RateLimitKey("s1"), time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreGetAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT value FROM counters").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	store := NewSQLStore(db)
	value, ok, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || value != 0 {
		t.Fatalf("expected (0, false), got (%d, %v)", value, ok)
	}
}
