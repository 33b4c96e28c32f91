package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const relationshipColumns = `id, submissive_id, keyholder_id, status, permissions_json, notes, created_at, established_at, ended_at, updated_at`

// PutRelationship persists one relationship row.
func (s *Store) PutRelationship(ctx context.Context, rel relationship.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	return putRelationshipExec(ctx, s.sqlDB, rel)
}

func putRelationshipExec(ctx context.Context, db dbtx, rel relationship.Relationship) error {
	if strings.TrimSpace(rel.ID) == "" {
		return fmt.Errorf("relationship id is required")
	}
	permissionsJSON, err := marshalJSON(rel.Permissions)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO relationships (`+relationshipColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rel.ID, rel.SubmissiveID, rel.KeyholderID, string(rel.Status), permissionsJSON, rel.Notes,
		toMillis(rel.CreatedAt), toMillis(rel.EstablishedAt), toNullMillis(rel.EndedAt), toMillis(rel.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put relationship: %w", err)
	}
	return nil
}

// ensureSubmissiveUnlinkedExec rejects a relationship insert when the
// submissive already has a live row. Runs inside the caller's transaction so
// racing pairing commits cannot both pass; the partial unique index on
// relationships(submissive_id) backs the same rule at the schema level.
func ensureSubmissiveUnlinkedExec(ctx context.Context, db dbtx, submissiveID string) error {
	var live int
	row := db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM relationships
WHERE submissive_id = ? AND status IN (?, ?, ?)
`, submissiveID, string(relationship.StatusPending), string(relationship.StatusActive), string(relationship.StatusPaused))
	if err := row.Scan(&live); err != nil {
		return fmt.Errorf("count live relationships: %w", err)
	}
	if live > 0 {
		return storage.ErrConflict
	}
	return nil
}

// GetRelationship loads one relationship by ID.
func (s *Store) GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	if err := s.ready(); err != nil {
		return relationship.Relationship{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return relationship.Relationship{}, fmt.Errorf("relationship id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+relationshipColumns+`
FROM relationships
WHERE id = ?
`, relationshipID)
	rel, err := scanRelationship(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return relationship.Relationship{}, storage.ErrNotFound
		}
		return relationship.Relationship{}, fmt.Errorf("get relationship: %w", err)
	}
	return rel, nil
}

// ListRelationshipsByUser lists relationships where the user holds either
// role, newest first.
func (s *Store) ListRelationshipsByUser(ctx context.Context, userID string) ([]relationship.Relationship, error) {
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
SELECT `+relationshipColumns+`
FROM relationships
WHERE submissive_id = ? OR keyholder_id = ?
ORDER BY created_at DESC, id DESC
`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var results []relationship.Relationship
	for rows.Next() {
		rel, scanErr := scanRelationship(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan relationship row: %w", scanErr)
		}
		results = append(results, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationship rows: %w", err)
	}
	return results, nil
}

// UpdateRelationshipStatus writes a status transition guarded by the expected
// prior status.
func (s *Store) UpdateRelationshipStatus(ctx context.Context, relationshipID string, expected, next relationship.Status, updatedAt time.Time) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	if err := s.ready(); err != nil {
		return relationship.Relationship{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return relationship.Relationship{}, fmt.Errorf("relationship id is required")
	}

	endedAt := sql.NullInt64{}
	if next == relationship.StatusEnded {
		endedAt = sql.NullInt64{Int64: toMillis(updatedAt), Valid: true}
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE relationships
SET status = ?, ended_at = COALESCE(?, ended_at), updated_at = ?
WHERE id = ? AND status = ?
`, string(next), endedAt, toMillis(updatedAt), relationshipID, string(expected))
	if err != nil {
		return relationship.Relationship{}, fmt.Errorf("update relationship status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationship.Relationship{}, fmt.Errorf("update relationship status rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetRelationship(ctx, relationshipID); getErr != nil {
			return relationship.Relationship{}, getErr
		}
		return relationship.Relationship{}, storage.ErrConflict
	}
	return s.GetRelationship(ctx, relationshipID)
}

// UpdateRelationshipPermissions replaces the permission set.
func (s *Store) UpdateRelationshipPermissions(ctx context.Context, relationshipID string, perms relationship.Permissions, updatedAt time.Time) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	if err := s.ready(); err != nil {
		return relationship.Relationship{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return relationship.Relationship{}, fmt.Errorf("relationship id is required")
	}

	permissionsJSON, err := marshalJSON(perms)
	if err != nil {
		return relationship.Relationship{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE relationships
SET permissions_json = ?, updated_at = ?
WHERE id = ?
`, permissionsJSON, toMillis(updatedAt), relationshipID)
	if err != nil {
		return relationship.Relationship{}, fmt.Errorf("update relationship permissions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return relationship.Relationship{}, fmt.Errorf("update relationship permissions rows affected: %w", err)
	}
	if affected == 0 {
		return relationship.Relationship{}, storage.ErrNotFound
	}
	return s.GetRelationship(ctx, relationshipID)
}

func scanRelationship(scanner func(dest ...any) error) (relationship.Relationship, error) {
	var (
		rel             relationship.Relationship
		status          string
		permissionsJSON string
		createdAt       int64
		establishedAt   int64
		endedAt         sql.NullInt64
		updatedAt       int64
	)
	if err := scanner(&rel.ID, &rel.SubmissiveID, &rel.KeyholderID, &status, &permissionsJSON, &rel.Notes,
		&createdAt, &establishedAt, &endedAt, &updatedAt); err != nil {
		return relationship.Relationship{}, err
	}
	if err := json.Unmarshal([]byte(permissionsJSON), &rel.Permissions); err != nil {
		return relationship.Relationship{}, fmt.Errorf("decode permissions: %w", err)
	}
	rel.Status = relationship.Status(status)
	rel.CreatedAt = fromMillis(createdAt)
	rel.EstablishedAt = fromMillis(establishedAt)
	rel.EndedAt = fromNullMillis(endedAt)
	rel.UpdatedAt = fromMillis(updatedAt)
	return rel, nil
}
