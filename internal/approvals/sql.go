package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLStore implements Store against Postgres. DecideAtomic runs inside
// one transaction holding SELECT ... FOR UPDATE on the approval row, so
// the window between validating ownership and committing the decision
// cannot be raced.
type SQLStore struct {
	db  *sql.DB
	dir SessionDirectory
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB, dir SessionDirectory) *SQLStore {
	return &SQLStore{db: db, dir: dir}
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists a new pending request.
func (s *SQLStore) Insert(ctx context.Context, req *Request) error {
	if req == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(id, session_id, tool_name, tool_args, summary, status, priority,
			 created_at, expires_at, decided_at, decided_by, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		req.ID,
		req.SessionID,
		req.ToolName,
		[]byte(req.ToolArgs),
		req.Summary,
		string(req.Status),
		string(req.Priority),
		req.CreatedAt,
		req.ExpiresAt,
		nullTimePtr(req.DecidedAt),
		nullableString(req.DecidedBy),
		nullableString(req.RejectionReason),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Get returns a request by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectApproval+` WHERE id = $1`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// DecideAtomic validates and applies a decision under a row lock.
func (s *SQLStore) DecideAtomic(ctx context.Context, id string, decision Decision, userID, reason string, at time.Time, guard WaiterGuard) (DecideOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DecideOutcome{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	row := tx.QueryRowContext(ctx, selectApproval+` WHERE id = $1 FOR UPDATE`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return DecideOutcome{Code: CodeApprovalNotFound}, nil
	}
	if err != nil {
		return DecideOutcome{}, fmt.Errorf("lock approval: %w", err)
	}

	owner, ok, err := s.dir.Owner(ctx, req.SessionID)
	if err != nil {
		return DecideOutcome{}, fmt.Errorf("resolve session owner: %w", err)
	}
	if !ok {
		return DecideOutcome{Code: CodeSessionNotFound, Request: req}, nil
	}
	if !ownerMatches(owner, userID) {
		return DecideOutcome{Code: CodeUnauthorized, Request: req}, nil
	}
	if req.Status != StatusPending {
		code := CodeAlreadyResolved
		if req.Status == StatusExpired {
			code = CodeExpired
		}
		return DecideOutcome{Code: code, Request: req}, nil
	}
	if guard != nil {
		if code := guard(req); code != nil {
			return DecideOutcome{Code: *code, Request: req}, nil
		}
	}

	status := StatusApproved
	if decision == DecisionRejected {
		status = StatusRejected
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, decided_at = $3, decided_by = $4, rejection_reason = $5
		WHERE id = $1 AND status = $6
	`, id, string(status), at, userID, nullableString(reason), string(StatusPending))
	if err != nil {
		return DecideOutcome{}, fmt.Errorf("update approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return DecideOutcome{}, fmt.Errorf("update approval: %w", err)
	}
	if affected == 0 {
		// Lost a race despite the lock; treat as already resolved.
		return DecideOutcome{Code: CodeAlreadyResolved, Request: req}, nil
	}

	if err := tx.Commit(); err != nil {
		return DecideOutcome{}, fmt.Errorf("commit decision: %w", err)
	}

	decidedAt := at
	req.Status = status
	req.DecidedAt = &decidedAt
	req.DecidedBy = userID
	if decision == DecisionRejected {
		req.RejectionReason = reason
	}
	return DecideOutcome{Code: CodeApplied, Request: req}, nil
}

// Expire transitions a pending request to expired.
func (s *SQLStore) Expire(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, decided_at = $3
		WHERE id = $1 AND status = $4
	`, id, string(StatusExpired), at, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("expire approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire approval: %w", err)
	}
	return affected > 0, nil
}

// ListPending returns a session's pending requests ordered for display.
func (s *SQLStore) ListPending(ctx context.Context, sessionID string) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, selectApproval+`
		WHERE session_id = $1 AND status = $2
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC
	`, sessionID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListExpiredPending returns pending requests past their deadline.
func (s *SQLStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	query := selectApproval + `
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC`
	args := []any{string(StatusPending), now}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// SQLSessionDirectory resolves session owners from the sessions table.
type SQLSessionDirectory struct {
	db *sql.DB
}

// NewSQLSessionDirectory wraps an existing database handle.
func NewSQLSessionDirectory(db *sql.DB) *SQLSessionDirectory {
	return &SQLSessionDirectory{db: db}
}

// Owner returns the session's owning user.
func (d *SQLSessionDirectory) Owner(ctx context.Context, sessionID string) (string, bool, error) {
	var userID string
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id FROM sessions WHERE id = $1
	`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve session owner: %w", err)
	}
	return userID, true, nil
}

const selectApproval = `
	SELECT id, session_id, tool_name, tool_args, summary, status, priority,
		   created_at, expires_at, decided_at, decided_by, rejection_reason
	FROM approvals`

type approvalScanner interface {
	Scan(dest ...any) error
}

func scanApproval(scanner approvalScanner) (*Request, error) {
	var (
		req       Request
		args      []byte
		status    string
		priority  string
		decidedAt sql.NullTime
		decidedBy sql.NullString
		reason    sql.NullString
	)
	if err := scanner.Scan(
		&req.ID,
		&req.SessionID,
		&req.ToolName,
		&args,
		&req.Summary,
		&status,
		&priority,
		&req.CreatedAt,
		&req.ExpiresAt,
		&decidedAt,
		&decidedBy,
		&reason,
	); err != nil {
		return nil, err
	}
	req.Status = ApprovalStatus(status)
	req.Priority = Priority(priority)
	if len(args) > 0 {
		req.ToolArgs = args
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		req.DecidedAt = &at
	}
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		req.RejectionReason = reason.String
	}
	return &req, nil
}

func collectApprovals(rows *sql.Rows) ([]*Request, error) {
	var result []*Request
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan approvals: %w", err)
	}
	return result, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTimePtr(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
