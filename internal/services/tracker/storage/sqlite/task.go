package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const taskColumns = `id, relationship_id, text, status, assigned_by, assigned_to, due_at, consequence, submissive_note, keyholder_feedback, submitted_at, reviewed_at, completed_at, created_at, updated_at`

// PutTask persists one task row.
func (s *Store) PutTask(ctx context.Context, t task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.RelationshipID, t.Text, string(t.Status), string(t.AssignedBy), string(t.AssignedTo),
		toNullMillis(t.DueDate), t.Consequence, t.SubmissiveNote, t.KeyholderFeedback,
		toNullMillis(t.SubmittedAt), toNullMillis(t.ReviewedAt), toNullMillis(t.CompletedAt),
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	if err := s.ready(); err != nil {
		return task.Task{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return task.Task{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE id = ?
`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, storage.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksByRelationship lists a relationship's tasks newest first.
func (s *Store) ListTasksByRelationship(ctx context.Context, relationshipID string, limit int) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return nil, fmt.Errorf("relationship id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE relationship_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, relationshipID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	results := make([]task.Task, 0, limit)
	for rows.Next() {
		t, scanErr := scanTask(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task row: %w", scanErr)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return results, nil
}

// UpdateTaskStatus writes the transitioned task guarded by the expected
// prior status.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, expected task.Status, updated task.Task) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	if err := s.ready(); err != nil {
		return task.Task{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return task.Task{}, fmt.Errorf("task id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE tasks
SET status = ?, submissive_note = ?, keyholder_feedback = ?, submitted_at = ?, reviewed_at = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?
`, string(updated.Status), updated.SubmissiveNote, updated.KeyholderFeedback,
		toNullMillis(updated.SubmittedAt), toNullMillis(updated.ReviewedAt), toNullMillis(updated.CompletedAt),
		toMillis(updated.UpdatedAt), taskID, string(expected))
	if err != nil {
		return task.Task{}, fmt.Errorf("update task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return task.Task{}, fmt.Errorf("update task status rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return task.Task{}, getErr
		}
		return task.Task{}, storage.ErrConflict
	}
	return s.GetTask(ctx, taskID)
}

func scanTask(scanner func(dest ...any) error) (task.Task, error) {
	var (
		t           task.Task
		status      string
		assignedBy  string
		assignedTo  string
		dueAt       sql.NullInt64
		submittedAt sql.NullInt64
		reviewedAt  sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := scanner(&t.ID, &t.RelationshipID, &t.Text, &status, &assignedBy, &assignedTo,
		&dueAt, &t.Consequence, &t.SubmissiveNote, &t.KeyholderFeedback,
		&submittedAt, &reviewedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.AssignedBy = role.Role(assignedBy)
	t.AssignedTo = role.Role(assignedTo)
	t.DueDate = fromNullMillis(dueAt)
	t.SubmittedAt = fromNullMillis(submittedAt)
	t.ReviewedAt = fromNullMillis(reviewedAt)
	t.CompletedAt = fromNullMillis(completedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}
