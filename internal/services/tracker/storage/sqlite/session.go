package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

const trackerDataColumns = `relationship_id, current_session_id, is_active, session_start_at, paused_at, paused_seconds, approval_required, personal_goal_seconds, keyholder_goal_seconds, allow_pausing, pause_cooldown_seconds, require_reason_for_end, tracking_enabled, updated_at`

const sessionColumns = `id, relationship_id, start_at, end_at, duration_seconds, paused_seconds, goal_seconds, goal_met, hardcore_mode, notes, approval_required, approval_granted_at, events_json, created_at, updated_at`

type sessionEventRecord struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"ts"`
	InitiatedBy string `json:"by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func encodeSessionEvents(events []session.Event) (string, error) {
	records := make([]sessionEventRecord, 0, len(events))
	for _, evt := range events {
		records = append(records, sessionEventRecord{
			Type:        string(evt.Type),
			Timestamp:   toMillis(evt.Timestamp),
			InitiatedBy: string(evt.InitiatedBy),
			Reason:      evt.Reason,
		})
	}
	return marshalJSON(records)
}

func decodeSessionEvents(raw string) ([]session.Event, error) {
	var records []sessionEventRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode session events: %w", err)
	}
	events := make([]session.Event, 0, len(records))
	for _, record := range records {
		events = append(events, session.Event{
			Type:        session.EventType(record.Type),
			Timestamp:   fromMillis(record.Timestamp),
			InitiatedBy: role.Role(record.InitiatedBy),
			Reason:      record.Reason,
		})
	}
	return events, nil
}

// PutTrackerData persists one relationship's tracker state row.
func (s *Store) PutTrackerData(ctx context.Context, data session.TrackerData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	return putTrackerDataExec(ctx, s.sqlDB, data)
}

func putTrackerDataExec(ctx context.Context, db dbtx, data session.TrackerData) error {
	if strings.TrimSpace(data.RelationshipID) == "" {
		return fmt.Errorf("relationship id is required")
	}
	sessionStartAt := sql.NullInt64{}
	if !data.Current.StartTime.IsZero() {
		sessionStartAt = sql.NullInt64{Int64: toMillis(data.Current.StartTime), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO tracker_data (`+trackerDataColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, data.RelationshipID, data.Current.ID, boolToInt(data.Current.IsActive), sessionStartAt,
		toNullMillis(data.Current.PausedAt), data.Current.PausedSeconds, boolToInt(data.Current.KeyholderApprovalRequired),
		data.Goals.PersonalSeconds, data.Goals.KeyholderSeconds,
		boolToInt(data.Settings.AllowPausing), data.Settings.PauseCooldownSeconds,
		boolToInt(data.Settings.RequireReasonForEnd), boolToInt(data.Settings.TrackingEnabled),
		toMillis(data.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put tracker data: %w", err)
	}
	return nil
}

// GetTrackerData loads one relationship's tracker state.
func (s *Store) GetTrackerData(ctx context.Context, relationshipID string) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	if err := s.ready(); err != nil {
		return session.TrackerData{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return session.TrackerData{}, fmt.Errorf("relationship id is required")
	}
	return getTrackerDataRow(ctx, s.sqlDB, relationshipID)
}

func getTrackerDataRow(ctx context.Context, db dbtx, relationshipID string) (session.TrackerData, error) {
	row := db.QueryRowContext(ctx, `
SELECT `+trackerDataColumns+`
FROM tracker_data
WHERE relationship_id = ?
`, relationshipID)
	data, err := scanTrackerData(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.TrackerData{}, storage.ErrNotFound
		}
		return session.TrackerData{}, fmt.Errorf("get tracker data: %w", err)
	}
	return data, nil
}

// UpdateGoals replaces the relationship's goal targets.
func (s *Store) UpdateGoals(ctx context.Context, relationshipID string, goals session.Goals, updatedAt time.Time) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	if err := s.ready(); err != nil {
		return session.TrackerData{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return session.TrackerData{}, fmt.Errorf("relationship id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE tracker_data
SET personal_goal_seconds = ?, keyholder_goal_seconds = ?, updated_at = ?
WHERE relationship_id = ?
`, goals.PersonalSeconds, goals.KeyholderSeconds, toMillis(updatedAt), relationshipID)
	if err != nil {
		return session.TrackerData{}, fmt.Errorf("update goals: %w", err)
	}
	if err := requireAffected(result, storage.ErrNotFound); err != nil {
		return session.TrackerData{}, err
	}
	return getTrackerDataRow(ctx, s.sqlDB, relationshipID)
}

// UpdateSettings replaces the relationship's session settings.
func (s *Store) UpdateSettings(ctx context.Context, relationshipID string, settings session.Settings, updatedAt time.Time) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	if err := s.ready(); err != nil {
		return session.TrackerData{}, err
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return session.TrackerData{}, fmt.Errorf("relationship id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE tracker_data
SET allow_pausing = ?, pause_cooldown_seconds = ?, require_reason_for_end = ?, tracking_enabled = ?, updated_at = ?
WHERE relationship_id = ?
`, boolToInt(settings.AllowPausing), settings.PauseCooldownSeconds,
		boolToInt(settings.RequireReasonForEnd), boolToInt(settings.TrackingEnabled),
		toMillis(updatedAt), relationshipID)
	if err != nil {
		return session.TrackerData{}, fmt.Errorf("update settings: %w", err)
	}
	if err := requireAffected(result, storage.ErrNotFound); err != nil {
		return session.TrackerData{}, err
	}
	return getTrackerDataRow(ctx, s.sqlDB, relationshipID)
}

// StartSession inserts the session row and activates the current-session
// pointer. The pointer update is guarded on no session being active.
func (s *Store) StartSession(ctx context.Context, sess session.Session, current session.CurrentSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session start write: %w", err)
	}

	if err := putSessionExec(ctx, tx, sess); err != nil {
		return rollbackWith(tx, err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE tracker_data
SET current_session_id = ?, is_active = 1, session_start_at = ?, paused_at = NULL, paused_seconds = 0, approval_required = ?, updated_at = ?
WHERE relationship_id = ? AND is_active = 0
`, current.ID, toMillis(current.StartTime), boolToInt(current.KeyholderApprovalRequired),
		toMillis(current.StartTime), sess.RelationshipID)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("activate current session: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("activate current session rows affected: %w", err))
	}
	if affected == 0 {
		if _, getErr := getTrackerDataRow(ctx, tx, sess.RelationshipID); getErr != nil {
			return rollbackWith(tx, getErr)
		}
		return rollbackWith(tx, storage.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session start write: %w", err)
	}
	return nil
}

func putSessionExec(ctx context.Context, db dbtx, sess session.Session) error {
	eventsJSON, err := encodeSessionEvents(sess.Events)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.ID, sess.RelationshipID, toMillis(sess.StartTime), toNullMillis(sess.EndTime),
		sess.DurationSeconds, sess.PausedSeconds, sess.GoalSeconds, boolToInt(sess.GoalMet),
		boolToInt(sess.HardcoreMode), sess.Notes, boolToInt(sess.Approval.Required),
		toNullMillis(sess.Approval.GrantedAt), eventsJSON, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	if err := s.ready(); err != nil {
		return session.Session{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.Session{}, fmt.Errorf("session id is required")
	}
	return getSessionRow(ctx, s.sqlDB, sessionID)
}

func getSessionRow(ctx context.Context, db dbtx, sessionID string) (session.Session, error) {
	row := db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE id = ?
`, sessionID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, storage.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessionsByRelationship lists a relationship's sessions newest first.
func (s *Store) ListSessionsByRelationship(ctx context.Context, relationshipID string, limit int) ([]session.Session, error) {
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
SELECT `+sessionColumns+`
FROM sessions
WHERE relationship_id = ?
ORDER BY start_at DESC, id DESC
LIMIT ?
`, relationshipID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	results := make([]session.Session, 0, limit)
	for rows.Next() {
		sess, scanErr := scanSession(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session row: %w", scanErr)
		}
		results = append(results, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return results, nil
}

// MarkSessionPaused sets the pause marker, guarded on the session being
// active and not already paused.
func (s *Store) MarkSessionPaused(ctx context.Context, relationshipID string, sessionID string, pausedAt time.Time, evt session.Event) (session.CurrentSession, error) {
	if err := ctx.Err(); err != nil {
		return session.CurrentSession{}, err
	}
	if err := s.ready(); err != nil {
		return session.CurrentSession{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return session.CurrentSession{}, fmt.Errorf("begin session pause write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE tracker_data
SET paused_at = ?, updated_at = ?
WHERE relationship_id = ? AND current_session_id = ? AND is_active = 1 AND paused_at IS NULL
`, toMillis(pausedAt), toMillis(pausedAt), relationshipID, sessionID)
	if err != nil {
		return session.CurrentSession{}, rollbackWith(tx, fmt.Errorf("mark session paused: %w", err))
	}
	if err := resolveConditionalWrite(ctx, tx, result, relationshipID); err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}
	if err := appendSessionEventExec(ctx, tx, sessionID, evt); err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}

	data, err := getTrackerDataRow(ctx, tx, relationshipID)
	if err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return session.CurrentSession{}, fmt.Errorf("commit session pause write: %w", err)
	}
	return data.Current, nil
}

// MarkSessionResumed clears the pause marker and accumulates the closed
// pause interval, guarded on the pause timestamp the caller observed.
func (s *Store) MarkSessionResumed(ctx context.Context, relationshipID string, sessionID string, observedPausedAt time.Time, pausedSeconds int64, evt session.Event) (session.CurrentSession, error) {
	if err := ctx.Err(); err != nil {
		return session.CurrentSession{}, err
	}
	if err := s.ready(); err != nil {
		return session.CurrentSession{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return session.CurrentSession{}, fmt.Errorf("begin session resume write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE tracker_data
SET paused_at = NULL, paused_seconds = paused_seconds + ?, updated_at = ?
WHERE relationship_id = ? AND current_session_id = ? AND paused_at = ?
`, pausedSeconds, toMillis(evt.Timestamp), relationshipID, sessionID, toMillis(observedPausedAt))
	if err != nil {
		return session.CurrentSession{}, rollbackWith(tx, fmt.Errorf("mark session resumed: %w", err))
	}
	if err := resolveConditionalWrite(ctx, tx, result, relationshipID); err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}
	if err := appendSessionEventExec(ctx, tx, sessionID, evt); err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}

	data, err := getTrackerDataRow(ctx, tx, relationshipID)
	if err != nil {
		return session.CurrentSession{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return session.CurrentSession{}, fmt.Errorf("commit session resume write: %w", err)
	}
	return data.Current, nil
}

// EndSession finalizes the session row and deactivates the current-session
// pointer, guarded on the pointer still naming this session.
func (s *Store) EndSession(ctx context.Context, relationshipID string, finalized session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(finalized.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	eventsJSON, err := encodeSessionEvents(finalized.Events)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session end write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE tracker_data
SET current_session_id = '', is_active = 0, session_start_at = NULL, paused_at = NULL, paused_seconds = 0, approval_required = 0, updated_at = ?
WHERE relationship_id = ? AND current_session_id = ? AND is_active = 1
`, toMillis(finalized.UpdatedAt), relationshipID, finalized.ID)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("deactivate current session: %w", err))
	}
	if err := resolveConditionalWrite(ctx, tx, result, relationshipID); err != nil {
		return rollbackWith(tx, err)
	}

	updateResult, err := tx.ExecContext(ctx, `
UPDATE sessions
SET end_at = ?, duration_seconds = ?, paused_seconds = ?, goal_met = ?, notes = ?, approval_granted_at = ?, events_json = ?, updated_at = ?
WHERE id = ? AND end_at IS NULL
`, toNullMillis(finalized.EndTime), finalized.DurationSeconds, finalized.PausedSeconds,
		boolToInt(finalized.GoalMet), finalized.Notes, toNullMillis(finalized.Approval.GrantedAt),
		eventsJSON, toMillis(finalized.UpdatedAt), finalized.ID)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("finalize session: %w", err))
	}
	if err := requireAffected(updateResult, storage.ErrConflict); err != nil {
		return rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session end write: %w", err)
	}
	return nil
}

func appendSessionEventExec(ctx context.Context, db dbtx, sessionID string, evt session.Event) error {
	sess, err := getSessionRow(ctx, db, sessionID)
	if err != nil {
		return err
	}
	sess.Events = append(sess.Events, evt)
	eventsJSON, err := encodeSessionEvents(sess.Events)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
UPDATE sessions
SET events_json = ?, updated_at = ?
WHERE id = ?
`, eventsJSON, toMillis(evt.Timestamp), sessionID)
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func resolveConditionalWrite(ctx context.Context, db dbtx, result sql.Result, relationshipID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional write rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getTrackerDataRow(ctx, db, relationshipID); getErr != nil {
			return getErr
		}
		return storage.ErrConflict
	}
	return nil
}

func requireAffected(result sql.Result, onZero error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return onZero
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func scanTrackerData(scanner func(dest ...any) error) (session.TrackerData, error) {
	var (
		data                session.TrackerData
		isActive            int
		sessionStartAt      sql.NullInt64
		pausedAt            sql.NullInt64
		approvalRequired    int
		allowPausing        int
		requireReasonForEnd int
		trackingEnabled     int
		updatedAt           int64
	)
	if err := scanner(&data.RelationshipID, &data.Current.ID, &isActive, &sessionStartAt, &pausedAt,
		&data.Current.PausedSeconds, &approvalRequired, &data.Goals.PersonalSeconds, &data.Goals.KeyholderSeconds,
		&allowPausing, &data.Settings.PauseCooldownSeconds, &requireReasonForEnd, &trackingEnabled, &updatedAt); err != nil {
		return session.TrackerData{}, err
	}
	data.Current.IsActive = isActive == 1
	if sessionStartAt.Valid {
		data.Current.StartTime = fromMillis(sessionStartAt.Int64)
	}
	data.Current.PausedAt = fromNullMillis(pausedAt)
	data.Current.KeyholderApprovalRequired = approvalRequired == 1
	data.Settings.AllowPausing = allowPausing == 1
	data.Settings.RequireReasonForEnd = requireReasonForEnd == 1
	data.Settings.TrackingEnabled = trackingEnabled == 1
	data.UpdatedAt = fromMillis(updatedAt)
	return data, nil
}

func scanSession(scanner func(dest ...any) error) (session.Session, error) {
	var (
		sess              session.Session
		startAt           int64
		endAt             sql.NullInt64
		goalMet           int
		hardcoreMode      int
		approvalRequired  int
		approvalGrantedAt sql.NullInt64
		eventsJSON        string
		createdAt         int64
		updatedAt         int64
	)
	if err := scanner(&sess.ID, &sess.RelationshipID, &startAt, &endAt, &sess.DurationSeconds,
		&sess.PausedSeconds, &sess.GoalSeconds, &goalMet, &hardcoreMode, &sess.Notes,
		&approvalRequired, &approvalGrantedAt, &eventsJSON, &createdAt, &updatedAt); err != nil {
		return session.Session{}, err
	}
	events, err := decodeSessionEvents(eventsJSON)
	if err != nil {
		return session.Session{}, err
	}
	sess.StartTime = fromMillis(startAt)
	sess.EndTime = fromNullMillis(endAt)
	sess.GoalMet = goalMet == 1
	sess.HardcoreMode = hardcoreMode == 1
	sess.Approval.Required = approvalRequired == 1
	sess.Approval.GrantedAt = fromNullMillis(approvalGrantedAt)
	sess.Events = events
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return sess, nil
}
