package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const eventColumns = `id, relationship_id, type, timestamp, logged_by, is_private, tags_json, notes, duration_seconds, goal_type, goal_completed, rating, keyholder_controlled`

// AppendEvent persists one activity log entry. Entries are never updated.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("event id is required")
	}

	tagsJSON, err := marshalJSON(evt.Tags)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO events (`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, evt.ID, evt.RelationshipID, evt.Type, toMillis(evt.Timestamp), string(evt.LoggedBy),
		boolToInt(evt.IsPrivate), tagsJSON, evt.Details.Notes, evt.Details.DurationSeconds,
		evt.Details.GoalType, boolToInt(evt.Details.GoalCompleted), evt.Details.Rating,
		boolToInt(evt.Details.KeyholderControlled))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsByRelationship lists a relationship's log entries newest first.
func (s *Store) ListEventsByRelationship(ctx context.Context, relationshipID string, limit int) ([]event.Event, error) {
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
SELECT `+eventColumns+`
FROM events
WHERE relationship_id = ?
ORDER BY timestamp DESC, id DESC
LIMIT ?
`, relationshipID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	results := make([]event.Event, 0, limit)
	for rows.Next() {
		evt, scanErr := scanEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan event row: %w", scanErr)
		}
		results = append(results, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return results, nil
}

func scanEvent(scanner func(dest ...any) error) (event.Event, error) {
	var (
		evt                 event.Event
		timestamp           int64
		loggedBy            string
		isPrivate           int
		tagsJSON            string
		goalCompleted       int
		keyholderControlled int
	)
	if err := scanner(&evt.ID, &evt.RelationshipID, &evt.Type, &timestamp, &loggedBy,
		&isPrivate, &tagsJSON, &evt.Details.Notes, &evt.Details.DurationSeconds,
		&evt.Details.GoalType, &goalCompleted, &evt.Details.Rating, &keyholderControlled); err != nil {
		return event.Event{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &evt.Tags); err != nil {
		return event.Event{}, fmt.Errorf("decode event tags: %w", err)
	}
	evt.Timestamp = fromMillis(timestamp)
	evt.LoggedBy = role.Role(loggedBy)
	evt.IsPrivate = isPrivate == 1
	evt.Details.GoalCompleted = goalCompleted == 1
	evt.Details.KeyholderControlled = keyholderControlled == 1
	return evt, nil
}
