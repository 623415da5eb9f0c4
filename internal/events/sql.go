package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// SQLStore implements Store against Postgres. The events table carries a
// UNIQUE (session_id, sequence_number) constraint, so a duplicate
// sequence number can never be persisted regardless of how many writers
// race.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists a new event row.
func (s *SQLStore) Insert(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, sequence_number, type, payload, created_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.ID,
		event.SessionID,
		event.SequenceNumber,
		string(event.Type),
		[]byte(event.Payload),
		event.CreatedAt,
		event.Processed,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// MarkProcessed flips the processed flag; idempotent.
func (s *SQLStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET processed = TRUE WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// ListAfter returns session events with sequence > afterSeq in ascending order.
func (s *SQLStore) ListAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `
		SELECT id, session_id, sequence_number, type, payload, created_at, processed
		FROM events
		WHERE session_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var (
			event   Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.SequenceNumber,
			&typ,
			&payload,
			&event.CreatedAt,
			&event.Processed,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = EventType(typ)
		if len(payload) > 0 {
			event.Payload = payload
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return result, nil
}
