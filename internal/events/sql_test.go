package events

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO events").
		WithArgs("e1", "s1", int64(0), "user_message_sent", []byte(`{"text":"hi"}`), now, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewSQLStore(db)
	err = store.Insert(context.Background(), &Event{
		ID:             "e1",
		SessionID:      "s1",
		SequenceNumber: 0,
		Type:           EventUserMessageSent,
		Payload:        []byte(`{"text":"hi"}`),
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreInsertCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(context.DeadlineExceeded)

	store := NewSQLStore(db)
	if err := store.Insert(context.Background(), &Event{ID: "e1", SessionID: "s1"}); err == nil {
		t.Fatal("expected error from unique violation")
	}
}

func TestSQLStoreListAfter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "session_id", "sequence_number", "type", "payload", "created_at", "processed"}).
		AddRow("e3", "s1", int64(3), "user_message_sent", []byte(nil), now, false).
		AddRow("e4", "s1", int64(4), "assistant_message_saved", []byte(`{}`), now, true)
	mock.ExpectQuery("SELECT (.+) FROM events").
		WithArgs("s1", int64(2)).
		WillReturnRows(rows)

	store := NewSQLStore(db)
	got, err := store.ListAfter(context.Background(), "s1", 2, 0)
	if err != nil {
		t.Fatalf("ListAfter() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].SequenceNumber != 3 || got[1].SequenceNumber != 4 {
		t.Fatalf("sequences = %d, %d", got[0].SequenceNumber, got[1].SequenceNumber)
	}
	if got[1].Type != EventAssistantMessageSaved || !got[1].Processed {
		t.Fatalf("row = %+v", got[1])
	}
}

func TestSQLStoreMarkProcessed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE events SET processed").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewSQLStore(db)
	if err := store.MarkProcessed(context.Background(), "e1"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
