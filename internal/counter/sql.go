package counter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLConfig holds configuration for the Postgres-backed counter store.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store against Postgres.
//
// Increment is a single INSERT .. ON CONFLICT .. RETURNING statement, so
// the increment and the read of the post-increment value are one atomic
// operation shared safely by any number of processes.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// NewSQLStoreFromDSN opens a connection pool and verifies connectivity.
func NewSQLStoreFromDSN(dsn string, config *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Increment atomically increments a counter. An expired key restarts at 1
// with its expiry cleared, matching a fresh window.
func (s *SQLStore) Increment(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value, expires_at)
		VALUES ($1, 1, NULL)
		ON CONFLICT (key) DO UPDATE
		SET value = CASE
				WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= now() THEN 1
				ELSE counters.value + 1
			END,
			expires_at = CASE
				WHEN counters.expires_at IS NOT NULL AND counters.expires_at <= now() THEN NULL
				ELSE counters.expires_at
			END
		RETURNING value
	`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return value, nil
}

// Expire sets the TTL on an existing key.
func (s *SQLStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE counters
		SET expires_at = now() + ($2 * interval '1 second')
		WHERE key = $1
	`, key, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("expire counter %q: %w", key, err)
	}
	return nil
}

// Get returns the current value of a live key without modifying it.
func (s *SQLStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM counters
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get counter %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes a key.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete counter %q: %w", key, err)
	}
	return nil
}
