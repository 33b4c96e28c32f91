package service

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/metrics"
	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/storage"
	"github.com/keybound/keybound/internal/services/tracker/watch"
)

// StartSessionInput carries optional session start parameters.
type StartSessionInput struct {
	GoalSeconds  int64
	HardcoreMode bool
	Notes        string
}

// StartSession begins a new wearing session. Exactly one session can be
// active per relationship; a concurrent start loses cleanly.
func (s *Service) StartSession(ctx context.Context, relationshipID string, userID string, input StartSessionInput) (session.Session, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.Session{}, err
	}
	if err := s.requireLiveRelationship(rel); err != nil {
		return session.Session{}, err
	}
	if actorRole == role.RoleKeyholder {
		if err := s.requirePermission(rel, userID, relationship.ActionEditSessions); err != nil {
			return session.Session{}, err
		}
	}

	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.Session{}, mapStorageError(err, "load tracker state")
	}
	if !data.Settings.TrackingEnabled {
		return session.Session{}, apperrors.New(apperrors.CodeValidation, "session tracking is disabled for this relationship")
	}
	if data.Current.IsActive {
		return session.Session{}, apperrors.New(apperrors.CodeSessionAlreadyActive, "a session is already active")
	}

	sess, err := session.Start(session.StartInput{
		RelationshipID:   relationshipID,
		InitiatedBy:      actorRole,
		GoalSeconds:      input.GoalSeconds,
		HardcoreMode:     input.HardcoreMode,
		Notes:            input.Notes,
		ApprovalRequired: data.Settings.RequireReasonForEnd,
	}, s.clock, s.newID)
	if err != nil {
		return session.Session{}, err
	}
	current := session.CurrentSession{
		ID:                        sess.ID,
		IsActive:                  true,
		StartTime:                 sess.StartTime,
		KeyholderApprovalRequired: sess.Approval.Required,
	}
	if err := s.store.StartSession(ctx, sess, current); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.WriteConflicts.Inc()
			return session.Session{}, apperrors.New(apperrors.CodeSessionAlreadyActive, "a session is already active")
		}
		return session.Session{}, mapStorageError(err, "start session")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeSessionStart,
		LoggedBy:       actorRole,
		Details:        event.Details{KeyholderControlled: actorRole == role.RoleKeyholder},
	}); err != nil {
		return session.Session{}, err
	}
	metrics.SessionsStarted.Inc()
	s.publishTrackerData(ctx, relationshipID)
	return sess, nil
}

// PauseSession pauses the active session. The open pause interval is not
// counted until resume closes it.
func (s *Service) PauseSession(ctx context.Context, relationshipID string, userID string, reason string) (session.CurrentSession, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.CurrentSession{}, err
	}
	if err := s.requirePermission(rel, userID, relationship.ActionPauseSession); err != nil {
		return session.CurrentSession{}, err
	}

	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.CurrentSession{}, mapStorageError(err, "load tracker state")
	}
	if !data.Settings.AllowPausing {
		return session.CurrentSession{}, apperrors.New(apperrors.CodeValidation, "pausing is disabled for this relationship")
	}
	if !data.Current.IsActive {
		return session.CurrentSession{}, apperrors.New(apperrors.CodeNotFound, "no active session")
	}
	if data.Current.PausedAt != nil {
		return session.CurrentSession{}, apperrors.New(apperrors.CodeSessionAlreadyPaused, "session is already paused")
	}

	pausedAt := s.now()
	current, err := s.store.MarkSessionPaused(ctx, relationshipID, data.Current.ID, pausedAt, session.Event{
		Type:        session.EventPause,
		Timestamp:   pausedAt,
		InitiatedBy: actorRole,
		Reason:      strings.TrimSpace(reason),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.WriteConflicts.Inc()
			return session.CurrentSession{}, apperrors.New(apperrors.CodeSessionAlreadyPaused, "session is already paused")
		}
		return session.CurrentSession{}, mapStorageError(err, "pause session")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeSessionPause,
		LoggedBy:       actorRole,
		Details:        event.Details{Notes: strings.TrimSpace(reason)},
	}); err != nil {
		return session.CurrentSession{}, err
	}
	s.publishTrackerData(ctx, relationshipID)
	return current, nil
}

// ResumeSession closes the open pause interval and adds it to the session's
// accumulated pause time. The write is keyed on the pause marker this call
// observed, so two racing resumes cannot both count the interval.
func (s *Service) ResumeSession(ctx context.Context, relationshipID string, userID string) (session.CurrentSession, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.CurrentSession{}, err
	}
	if err := s.requirePermission(rel, userID, relationship.ActionPauseSession); err != nil {
		return session.CurrentSession{}, err
	}

	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.CurrentSession{}, mapStorageError(err, "load tracker state")
	}
	if !data.Current.IsActive {
		return session.CurrentSession{}, apperrors.New(apperrors.CodeNotFound, "no active session")
	}
	if data.Current.PausedAt == nil {
		return session.CurrentSession{}, apperrors.New(apperrors.CodeSessionNotPaused, "session is not paused")
	}

	resumedAt := s.now()
	pausedSeconds := session.DurationSecondsBetween(*data.Current.PausedAt, resumedAt)
	current, err := s.store.MarkSessionResumed(ctx, relationshipID, data.Current.ID, *data.Current.PausedAt, pausedSeconds, session.Event{
		Type:        session.EventResume,
		Timestamp:   resumedAt,
		InitiatedBy: actorRole,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.WriteConflicts.Inc()
			return session.CurrentSession{}, apperrors.New(apperrors.CodeSessionNotPaused, "session is not paused")
		}
		return session.CurrentSession{}, mapStorageError(err, "resume session")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeSessionResume,
		LoggedBy:       actorRole,
	}); err != nil {
		return session.CurrentSession{}, err
	}
	s.publishTrackerData(ctx, relationshipID)
	return current, nil
}

// EndSessionInput carries optional session end parameters.
type EndSessionInput struct {
	Reason string
	Notes  string
}

// EndSession finalizes the active session: closes any open pause interval,
// fixes duration and pause accounting, and evaluates the goal.
func (s *Service) EndSession(ctx context.Context, relationshipID string, userID string, input EndSessionInput) (session.Session, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.Session{}, err
	}
	if actorRole == role.RoleKeyholder {
		if err := s.requirePermission(rel, userID, relationship.ActionEditSessions); err != nil {
			return session.Session{}, err
		}
	}

	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.Session{}, mapStorageError(err, "load tracker state")
	}
	if !data.Current.IsActive {
		return session.Session{}, apperrors.New(apperrors.CodeNotFound, "no active session")
	}
	if data.Settings.RequireReasonForEnd && strings.TrimSpace(input.Reason) == "" {
		return session.Session{}, apperrors.New(apperrors.CodeValidation, "a reason is required to end the session")
	}

	sess, err := s.finalizeSession(ctx, relationshipID, actorRole, data, input.Reason, input.Notes)
	if err != nil {
		return session.Session{}, err
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeSessionEnd,
		LoggedBy:       actorRole,
		Details: event.Details{
			Notes:               strings.TrimSpace(input.Reason),
			DurationSeconds:     sess.EffectiveSeconds(),
			GoalCompleted:       sess.GoalMet,
			KeyholderControlled: actorRole == role.RoleKeyholder,
		},
	}); err != nil {
		return session.Session{}, err
	}
	metrics.SessionsEnded.Inc()
	s.publishTrackerData(ctx, relationshipID)
	return sess, nil
}

// EmergencyUnlock ends the active session immediately. It is available to
// the submissive even while the relationship is paused and ignores the
// end-reason and hardcore settings.
func (s *Service) EmergencyUnlock(ctx context.Context, relationshipID string, userID string, reason string) (session.Session, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.Session{}, err
	}
	if err := s.requirePermission(rel, userID, relationship.ActionEmergencyUnlock); err != nil {
		return session.Session{}, err
	}

	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.Session{}, mapStorageError(err, "load tracker state")
	}
	if !data.Current.IsActive {
		return session.Session{}, apperrors.New(apperrors.CodeNotFound, "no active session")
	}

	sess, err := s.finalizeSession(ctx, relationshipID, actorRole, data, reason, "")
	if err != nil {
		return session.Session{}, err
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeEmergencyUnlock,
		LoggedBy:       actorRole,
		Details: event.Details{
			Notes:           strings.TrimSpace(reason),
			DurationSeconds: sess.EffectiveSeconds(),
		},
	}); err != nil {
		return session.Session{}, err
	}
	metrics.SessionsEnded.Inc()
	s.publishTrackerData(ctx, relationshipID)
	return sess, nil
}

// finalizeSession closes out the current session: closes an open pause
// interval, fixes accounting, evaluates the goal, and clears the
// current-session pointer.
func (s *Service) finalizeSession(ctx context.Context, relationshipID string, actorRole role.Role, data session.TrackerData, reason string, notes string) (session.Session, error) {
	sess, err := s.store.GetSession(ctx, data.Current.ID)
	if err != nil {
		return session.Session{}, mapStorageError(err, "load session")
	}

	endedAt := s.now()
	pausedSeconds := data.Current.PausedSeconds
	if data.Current.PausedAt != nil {
		// Ending while paused closes the open interval.
		pausedSeconds += session.DurationSecondsBetween(*data.Current.PausedAt, endedAt)
		sess.Events = append(sess.Events, session.Event{
			Type:        session.EventResume,
			Timestamp:   endedAt,
			InitiatedBy: actorRole,
		})
	}

	sess.EndTime = &endedAt
	sess.DurationSeconds = session.DurationSecondsBetween(sess.StartTime, endedAt)
	sess.PausedSeconds = pausedSeconds
	if sess.GoalSeconds > 0 {
		sess.GoalMet = sess.EffectiveSeconds() >= sess.GoalSeconds
	}
	if note := strings.TrimSpace(notes); note != "" {
		sess.Notes = note
	}
	sess.Events = append(sess.Events, session.Event{
		Type:        session.EventEnd,
		Timestamp:   endedAt,
		InitiatedBy: actorRole,
		Reason:      strings.TrimSpace(reason),
	})
	sess.UpdatedAt = endedAt

	if err := s.store.EndSession(ctx, relationshipID, sess); err != nil {
		return session.Session{}, mapStorageError(err, "end session")
	}
	return sess, nil
}

// GetTrackerData returns the relationship's tracker state for a participant.
func (s *Service) GetTrackerData(ctx context.Context, relationshipID string, userID string) (session.TrackerData, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	if _, _, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID)); err != nil {
		return session.TrackerData{}, err
	}
	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return session.TrackerData{}, mapStorageError(err, "load tracker state")
	}
	return data, nil
}

// ListSessions lists the relationship's sessions newest first. The
// keyholder's view is redacted according to the sharing defaults.
func (s *Service) ListSessions(ctx context.Context, relationshipID string, userID string, limit int) ([]session.Session, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	_, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	sessions, err := s.store.ListSessionsByRelationship(ctx, relationshipID, limit)
	if err != nil {
		return nil, mapStorageError(err, "list sessions")
	}
	if actorRole == role.RoleKeyholder {
		share := event.DefaultSharingSettings()
		for i := range sessions {
			sessions[i] = event.RedactSession(sessions[i], share)
		}
	}
	return sessions, nil
}

// UpdateGoals replaces the relationship's goal targets.
func (s *Service) UpdateGoals(ctx context.Context, relationshipID string, userID string, goals session.Goals) (session.TrackerData, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.TrackerData{}, err
	}
	if actorRole == role.RoleKeyholder {
		if err := s.requirePermission(rel, userID, relationship.ActionEditGoals); err != nil {
			return session.TrackerData{}, err
		}
	}
	if goals.PersonalSeconds < 0 || goals.KeyholderSeconds < 0 {
		return session.TrackerData{}, apperrors.New(apperrors.CodeValidation, "goal durations must be non-negative")
	}

	data, err := s.store.UpdateGoals(ctx, relationshipID, goals, s.now())
	if err != nil {
		return session.TrackerData{}, mapStorageError(err, "update goals")
	}
	s.publishTrackerData(ctx, relationshipID)
	return data, nil
}

// UpdateSettings replaces the relationship's session settings.
func (s *Service) UpdateSettings(ctx context.Context, relationshipID string, userID string, settings session.Settings) (session.TrackerData, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return session.TrackerData{}, err
	}
	if actorRole == role.RoleKeyholder {
		if err := s.requirePermission(rel, userID, relationship.ActionEditSettings); err != nil {
			return session.TrackerData{}, err
		}
	}
	if settings.PauseCooldownSeconds < 0 {
		return session.TrackerData{}, apperrors.New(apperrors.CodeValidation, "pause cooldown must be non-negative")
	}

	data, err := s.store.UpdateSettings(ctx, relationshipID, settings, s.now())
	if err != nil {
		return session.TrackerData{}, mapStorageError(err, "update settings")
	}
	s.publishTrackerData(ctx, relationshipID)
	return data, nil
}

// WatchTracker subscribes a participant to tracker state changes and
// returns an unsubscribe func. The current snapshot is delivered first.
func (s *Service) WatchTracker(ctx context.Context, relationshipID string, userID string, onChange func(watch.Update)) (func(), error) {
	relationshipID = strings.TrimSpace(relationshipID)
	if _, _, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID)); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "onChange callback is required")
	}

	unsubscribe := s.hub.Subscribe(relationshipID, onChange)
	if data, err := s.store.GetTrackerData(ctx, relationshipID); err == nil {
		onChange(watch.Update{RelationshipID: relationshipID, Data: data})
	}
	return unsubscribe, nil
}

func (s *Service) requireLiveRelationship(rel relationship.Relationship) error {
	switch rel.Status {
	case relationship.StatusActive:
		return nil
	case relationship.StatusPaused:
		return apperrors.New(apperrors.CodePairPaused, "relationship is paused")
	default:
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "relationship is not active",
			map[string]string{"status": string(rel.Status)})
	}
}
