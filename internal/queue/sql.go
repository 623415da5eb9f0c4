package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLStore implements Store against Postgres. Claim uses
// FOR UPDATE SKIP LOCKED so concurrent workers across processes never
// take the same job.
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

// Enqueue persists a new job.
func (s *SQLStore) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs
			(id, lane, session_id, priority, payload, status, attempt, max_attempts,
			 run_at, created_at, started_at, finished_at, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		job.ID,
		string(job.Lane),
		job.SessionID,
		job.Priority,
		[]byte(job.Payload),
		string(job.Status),
		job.Attempt,
		job.MaxAttempts,
		job.RunAt,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullableString(job.LastError),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Claim atomically takes the next runnable job in a lane.
func (s *SQLStore) Claim(ctx context.Context, lane Lane, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT id, lane, session_id, priority, payload, status, attempt, max_attempts,
			   run_at, created_at, started_at, finished_at, last_error
		FROM queue_jobs
		WHERE lane = $1
		  AND (status = $2 OR (status = $3 AND run_at <= $4))
		ORDER BY priority ASC, run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(lane), string(StatusQueued), string(StatusDelayed), now)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = StatusRunning
	job.Attempt++
	job.StartedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = $2, attempt = $3, started_at = $4
		WHERE id = $1
	`, job.ID, string(job.Status), job.Attempt, job.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// Update writes back a job's mutable fields.
func (s *SQLStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = $2,
			attempt = $3,
			run_at = $4,
			started_at = $5,
			finished_at = $6,
			last_error = $7
		WHERE id = $1
	`,
		job.ID,
		string(job.Status),
		job.Attempt,
		job.RunAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullableString(job.LastError),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lane, session_id, priority, payload, status, attempt, max_attempts,
			   run_at, created_at, started_at, finished_at, last_error
		FROM queue_jobs WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats counts a lane's jobs by state.
func (s *SQLStore) Stats(ctx context.Context, lane Lane) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_jobs
		WHERE lane = $1
		GROUP BY status
	`, string(lane))
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Lane: lane}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			stats.Waiting = count
		case StatusRunning:
			stats.Active = count
		case StatusSucceeded:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDelayed:
			stats.Delayed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// ListFailed returns failed jobs, newest first.
func (s *SQLStore) ListFailed(ctx context.Context, lane Lane, limit int) ([]*Job, error) {
	query := `
		SELECT id, lane, session_id, priority, payload, status, attempt, max_attempts,
			   run_at, created_at, started_at, finished_at, last_error
		FROM queue_jobs
		WHERE lane = $1 AND status = $2
		ORDER BY finished_at DESC`
	args := []any{string(lane), string(StatusFailed)}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return jobs, nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job        Job
		lane       string
		status     string
		payload    []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		lastError  sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&lane,
		&job.SessionID,
		&job.Priority,
		&payload,
		&status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.RunAt,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&lastError,
	); err != nil {
		return nil, err
	}
	job.Lane = Lane(lane)
	job.Status = Status(status)
	if len(payload) > 0 {
		job.Payload = payload
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return &job, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
