package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/request"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const requestColumns = `id, from_user_id, to_user_id, from_role, to_role, status, message, created_at, expires_at, responded_at`

// PutRequest persists one pairing request row.
func (s *Store) PutRequest(ctx context.Context, req request.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("request id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pair_requests (`+requestColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, req.ID, req.FromUserID, req.ToUserID, string(req.FromRole), string(req.ToRole), string(req.Status),
		req.Message, toMillis(req.CreatedAt), toMillis(req.ExpiresAt), toNullMillis(req.RespondedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// GetRequest loads one pairing request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	if err := s.ready(); err != nil {
		return request.Request{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return request.Request{}, fmt.Errorf("request id is required")
	}
	return getRequestRow(ctx, s.sqlDB, requestID)
}

func getRequestRow(ctx context.Context, db dbtx, requestID string) (request.Request, error) {
	row := db.QueryRowContext(ctx, `
SELECT `+requestColumns+`
FROM pair_requests
WHERE id = ?
`, requestID)
	req, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return request.Request{}, storage.ErrNotFound
		}
		return request.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListRequestsByUser lists requests sent or received by the user, newest
// first.
func (s *Store) ListRequestsByUser(ctx context.Context, userID string) ([]request.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+requestColumns+`
FROM pair_requests
WHERE from_user_id = ? OR to_user_id = ?
ORDER BY created_at DESC, id DESC
`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var results []request.Request
	for rows.Next() {
		req, scanErr := scanRequest(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan request row: %w", scanErr)
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request rows: %w", err)
	}
	return results, nil
}

// AcceptRequest atomically accepts a pending request and bootstraps the
// relationship with its tracker state.
func (s *Store) AcceptRequest(ctx context.Context, requestID string, rel relationship.Relationship, data session.TrackerData, respondedAt time.Time) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	if err := s.ready(); err != nil {
		return request.Request{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return request.Request{}, fmt.Errorf("request id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return request.Request{}, fmt.Errorf("begin accept request write: %w", err)
	}

	if err := markRequestResponded(ctx, tx, requestID, request.StatusAccepted, respondedAt); err != nil {
		return request.Request{}, rollbackWith(tx, err)
	}
	if err := ensureSubmissiveUnlinkedExec(ctx, tx, rel.SubmissiveID); err != nil {
		return request.Request{}, rollbackWith(tx, err)
	}
	if err := putRelationshipExec(ctx, tx, rel); err != nil {
		return request.Request{}, rollbackWith(tx, err)
	}
	if err := putTrackerDataExec(ctx, tx, data); err != nil {
		return request.Request{}, rollbackWith(tx, err)
	}

	req, err := getRequestRow(ctx, tx, requestID)
	if err != nil {
		return request.Request{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return request.Request{}, fmt.Errorf("commit accept request write: %w", err)
	}
	return req, nil
}

// RejectRequest marks a pending request rejected.
func (s *Store) RejectRequest(ctx context.Context, requestID string, respondedAt time.Time) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	if err := s.ready(); err != nil {
		return request.Request{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return request.Request{}, fmt.Errorf("request id is required")
	}

	if err := markRequestResponded(ctx, s.sqlDB, requestID, request.StatusRejected, respondedAt); err != nil {
		return request.Request{}, err
	}
	return getRequestRow(ctx, s.sqlDB, requestID)
}

func markRequestResponded(ctx context.Context, db dbtx, requestID string, next request.Status, respondedAt time.Time) error {
	result, err := db.ExecContext(ctx, `
UPDATE pair_requests
SET status = ?, responded_at = ?
WHERE id = ? AND status = ?
`, string(next), toMillis(respondedAt), requestID, string(request.StatusPending))
	if err != nil {
		return fmt.Errorf("mark request responded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark request responded rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getRequestRow(ctx, db, requestID); getErr != nil {
			return getErr
		}
		return storage.ErrConflict
	}
	return nil
}

func scanRequest(scanner func(dest ...any) error) (request.Request, error) {
	var (
		req         request.Request
		fromRole    string
		toRole      string
		status      string
		createdAt   int64
		expiresAt   int64
		respondedAt sql.NullInt64
	)
	if err := scanner(&req.ID, &req.FromUserID, &req.ToUserID, &fromRole, &toRole, &status,
		&req.Message, &createdAt, &expiresAt, &respondedAt); err != nil {
		return request.Request{}, err
	}
	req.FromRole = role.Role(fromRole)
	req.ToRole = role.Role(toRole)
	req.Status = request.Status(status)
	req.CreatedAt = fromMillis(createdAt)
	req.ExpiresAt = fromMillis(expiresAt)
	req.RespondedAt = fromNullMillis(respondedAt)
	return req, nil
}
