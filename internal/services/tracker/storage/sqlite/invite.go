package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/invite"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const inviteColumns = `id, submissive_id, code, created_at, expires_at, used_at, revoked_at`

// PutInviteCode persists one invite code row.
func (s *Store) PutInviteCode(ctx context.Context, code invite.InviteCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(code.ID) == "" {
		return fmt.Errorf("invite id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO invite_codes (`+inviteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, code.ID, code.SubmissiveID, code.Code, toMillis(code.CreatedAt), toMillis(code.ExpiresAt),
		toNullMillis(code.UsedAt), toNullMillis(code.RevokedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put invite code: %w", err)
	}
	return nil
}

// GetInviteCodeByCode loads one invite by its code value.
func (s *Store) GetInviteCodeByCode(ctx context.Context, code string) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	if err := s.ready(); err != nil {
		return invite.InviteCode{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return invite.InviteCode{}, fmt.Errorf("invite code is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+inviteColumns+`
FROM invite_codes
WHERE code = ?
`, code)
	record, err := scanInviteCode(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.InviteCode{}, storage.ErrNotFound
		}
		return invite.InviteCode{}, fmt.Errorf("get invite code: %w", err)
	}
	return record, nil
}

// GetInviteCode loads one invite by ID.
func (s *Store) GetInviteCode(ctx context.Context, inviteID string) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	if err := s.ready(); err != nil {
		return invite.InviteCode{}, err
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return invite.InviteCode{}, fmt.Errorf("invite id is required")
	}
	return s.getInviteCodeByID(ctx, inviteID)
}

// ListInviteCodesBySubmissive lists the submissive's codes, newest first.
func (s *Store) ListInviteCodesBySubmissive(ctx context.Context, submissiveID string) ([]invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	submissiveID = strings.TrimSpace(submissiveID)
	if submissiveID == "" {
		return nil, fmt.Errorf("submissive id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+inviteColumns+`
FROM invite_codes
WHERE submissive_id = ?
ORDER BY created_at DESC, id DESC
`, submissiveID)
	if err != nil {
		return nil, fmt.Errorf("list invite codes: %w", err)
	}
	defer rows.Close()

	var results []invite.InviteCode
	for rows.Next() {
		record, scanErr := scanInviteCode(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan invite code row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invite code rows: %w", err)
	}
	return results, nil
}

// RevokeInviteCode marks an unused invite code revoked.
func (s *Store) RevokeInviteCode(ctx context.Context, inviteID string, revokedAt time.Time) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	if err := s.ready(); err != nil {
		return invite.InviteCode{}, err
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return invite.InviteCode{}, fmt.Errorf("invite id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invite_codes
SET revoked_at = ?
WHERE id = ? AND used_at IS NULL AND revoked_at IS NULL
`, toMillis(revokedAt), inviteID)
	if err != nil {
		return invite.InviteCode{}, fmt.Errorf("revoke invite code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return invite.InviteCode{}, fmt.Errorf("revoke invite code rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.getInviteCodeByID(ctx, inviteID); getErr != nil {
			return invite.InviteCode{}, getErr
		}
		return invite.InviteCode{}, storage.ErrConflict
	}
	return s.getInviteCodeByID(ctx, inviteID)
}

// ConsumeInviteCodeWithRelationship atomically marks an invite code used and
// bootstraps the relationship with its tracker state.
func (s *Store) ConsumeInviteCodeWithRelationship(ctx context.Context, inviteID string, usedAt time.Time, rel relationship.Relationship, data session.TrackerData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return fmt.Errorf("invite id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invite claim write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE invite_codes
SET used_at = ?
WHERE id = ? AND used_at IS NULL AND revoked_at IS NULL
`, toMillis(usedAt), inviteID)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("consume invite code: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("consume invite code rows affected: %w", err))
	}
	if affected == 0 {
		return rollbackWith(tx, storage.ErrConflict)
	}

	if err := ensureSubmissiveUnlinkedExec(ctx, tx, rel.SubmissiveID); err != nil {
		return rollbackWith(tx, err)
	}
	if err := putRelationshipExec(ctx, tx, rel); err != nil {
		return rollbackWith(tx, err)
	}
	if err := putTrackerDataExec(ctx, tx, data); err != nil {
		return rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invite claim write: %w", err)
	}
	return nil
}

func (s *Store) getInviteCodeByID(ctx context.Context, inviteID string) (invite.InviteCode, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+inviteColumns+`
FROM invite_codes
WHERE id = ?
`, inviteID)
	record, err := scanInviteCode(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.InviteCode{}, storage.ErrNotFound
		}
		return invite.InviteCode{}, fmt.Errorf("get invite code by id: %w", err)
	}
	return record, nil
}

func scanInviteCode(scanner func(dest ...any) error) (invite.InviteCode, error) {
	var (
		record    invite.InviteCode
		createdAt int64
		expiresAt int64
		usedAt    sql.NullInt64
		revokedAt sql.NullInt64
	)
	if err := scanner(&record.ID, &record.SubmissiveID, &record.Code, &createdAt, &expiresAt, &usedAt, &revokedAt); err != nil {
		return invite.InviteCode{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.UsedAt = fromNullMillis(usedAt)
	record.RevokedAt = fromNullMillis(revokedAt)
	return record, nil
}
