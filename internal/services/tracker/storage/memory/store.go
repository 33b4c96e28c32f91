// Package memory provides an in-memory tracker store for tests and local
// development. It mirrors the conditional-write semantics of the SQLite
// store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/invite"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/request"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

// Store keeps all tracker state in process memory guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	relationships map[string]relationship.Relationship
	requests      map[string]request.Request
	invites       map[string]invite.InviteCode
	trackerData   map[string]session.TrackerData
	sessions      map[string]session.Session
	tasks         map[string]task.Task
	events        map[string][]event.Event
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		relationships: make(map[string]relationship.Relationship),
		requests:      make(map[string]request.Request),
		invites:       make(map[string]invite.InviteCode),
		trackerData:   make(map[string]session.TrackerData),
		sessions:      make(map[string]session.Session),
		tasks:         make(map[string]task.Task),
		events:        make(map[string][]event.Event),
	}
}

// Close releases nothing but satisfies the store contract.
func (s *Store) Close() error {
	return nil
}

// PutRelationship persists one relationship.
func (s *Store) PutRelationship(ctx context.Context, rel relationship.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.relationships[rel.ID]; exists {
		return storage.ErrConflict
	}
	s.relationships[rel.ID] = rel
	return nil
}

// GetRelationship loads one relationship by ID.
func (s *Store) GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[strings.TrimSpace(relationshipID)]
	if !ok {
		return relationship.Relationship{}, storage.ErrNotFound
	}
	return rel, nil
}

// ListRelationshipsByUser lists relationships for either role, newest first.
func (s *Store) ListRelationshipsByUser(ctx context.Context, userID string) ([]relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []relationship.Relationship
	for _, rel := range s.relationships {
		if rel.SubmissiveID == userID || rel.KeyholderID == userID {
			results = append(results, rel)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	return results, nil
}

// UpdateRelationshipStatus writes a status transition guarded by the
// expected prior status.
func (s *Store) UpdateRelationshipStatus(ctx context.Context, relationshipID string, expected, next relationship.Status, updatedAt time.Time) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[relationshipID]
	if !ok {
		return relationship.Relationship{}, storage.ErrNotFound
	}
	if rel.Status != expected {
		return relationship.Relationship{}, storage.ErrConflict
	}
	rel.Status = next
	rel.UpdatedAt = updatedAt
	if next == relationship.StatusEnded {
		endedAt := updatedAt
		rel.EndedAt = &endedAt
	}
	s.relationships[relationshipID] = rel
	return rel, nil
}

// UpdateRelationshipPermissions replaces the permission set.
func (s *Store) UpdateRelationshipPermissions(ctx context.Context, relationshipID string, perms relationship.Permissions, updatedAt time.Time) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[relationshipID]
	if !ok {
		return relationship.Relationship{}, storage.ErrNotFound
	}
	rel.Permissions = perms
	rel.UpdatedAt = updatedAt
	s.relationships[relationshipID] = rel
	return rel, nil
}

// PutRequest persists one pairing request.
func (s *Store) PutRequest(ctx context.Context, req request.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return storage.ErrConflict
	}
	s.requests[req.ID] = req
	return nil
}

// GetRequest loads one pairing request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[strings.TrimSpace(requestID)]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	return req, nil
}

// ListRequestsByUser lists requests sent or received by the user, newest
// first.
func (s *Store) ListRequestsByUser(ctx context.Context, userID string) ([]request.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []request.Request
	for _, req := range s.requests {
		if req.FromUserID == userID || req.ToUserID == userID {
			results = append(results, req)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	return results, nil
}

// AcceptRequest atomically accepts a pending request and bootstraps the
// relationship with its tracker state.
func (s *Store) AcceptRequest(ctx context.Context, requestID string, rel relationship.Relationship, data session.TrackerData, respondedAt time.Time) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	if req.Status != request.StatusPending {
		return request.Request{}, storage.ErrConflict
	}
	if _, exists := s.relationships[rel.ID]; exists {
		return request.Request{}, storage.ErrConflict
	}
	if s.submissiveLinkedLocked(rel.SubmissiveID) {
		return request.Request{}, storage.ErrConflict
	}
	req.Status = request.StatusAccepted
	req.RespondedAt = &respondedAt
	s.requests[requestID] = req
	s.relationships[rel.ID] = rel
	s.trackerData[data.RelationshipID] = data
	return req, nil
}

// RejectRequest marks a pending request rejected.
func (s *Store) RejectRequest(ctx context.Context, requestID string, respondedAt time.Time) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return request.Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	if req.Status != request.StatusPending {
		return request.Request{}, storage.ErrConflict
	}
	req.Status = request.StatusRejected
	req.RespondedAt = &respondedAt
	s.requests[requestID] = req
	return req, nil
}

// PutInviteCode persists one invite code.
func (s *Store) PutInviteCode(ctx context.Context, code invite.InviteCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invites[code.ID]; exists {
		return storage.ErrConflict
	}
	for _, existing := range s.invites {
		if existing.Code == code.Code {
			return storage.ErrConflict
		}
	}
	s.invites[code.ID] = code
	return nil
}

// GetInviteCode loads one invite by ID.
func (s *Store) GetInviteCode(ctx context.Context, inviteID string) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.invites[inviteID]
	if !ok {
		return invite.InviteCode{}, storage.ErrNotFound
	}
	return record, nil
}

// GetInviteCodeByCode loads one invite by its code value.
func (s *Store) GetInviteCodeByCode(ctx context.Context, code string) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.invites {
		if record.Code == strings.TrimSpace(code) {
			return record, nil
		}
	}
	return invite.InviteCode{}, storage.ErrNotFound
}

// ListInviteCodesBySubmissive lists the submissive's codes, newest first.
func (s *Store) ListInviteCodesBySubmissive(ctx context.Context, submissiveID string) ([]invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []invite.InviteCode
	for _, record := range s.invites {
		if record.SubmissiveID == submissiveID {
			results = append(results, record)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	return results, nil
}

// RevokeInviteCode marks an unused invite code revoked.
func (s *Store) RevokeInviteCode(ctx context.Context, inviteID string, revokedAt time.Time) (invite.InviteCode, error) {
	if err := ctx.Err(); err != nil {
		return invite.InviteCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.invites[inviteID]
	if !ok {
		return invite.InviteCode{}, storage.ErrNotFound
	}
	if record.UsedAt != nil || record.RevokedAt != nil {
		return invite.InviteCode{}, storage.ErrConflict
	}
	record.RevokedAt = &revokedAt
	s.invites[inviteID] = record
	return record, nil
}

// ConsumeInviteCodeWithRelationship atomically marks an invite code used and
// bootstraps the relationship with its tracker state.
func (s *Store) ConsumeInviteCodeWithRelationship(ctx context.Context, inviteID string, usedAt time.Time, rel relationship.Relationship, data session.TrackerData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.invites[inviteID]
	if !ok {
		return storage.ErrNotFound
	}
	if record.UsedAt != nil || record.RevokedAt != nil {
		return storage.ErrConflict
	}
	if _, exists := s.relationships[rel.ID]; exists {
		return storage.ErrConflict
	}
	if s.submissiveLinkedLocked(rel.SubmissiveID) {
		return storage.ErrConflict
	}
	record.UsedAt = &usedAt
	s.invites[inviteID] = record
	s.relationships[rel.ID] = rel
	s.trackerData[data.RelationshipID] = data
	return nil
}

// submissiveLinkedLocked reports whether the submissive already has a live
// relationship. Pairing commits call it under the write lock so two racing
// claims cannot both pass the single-keyholder check.
func (s *Store) submissiveLinkedLocked(submissiveID string) bool {
	for _, rel := range s.relationships {
		if rel.SubmissiveID != submissiveID {
			continue
		}
		switch rel.Status {
		case relationship.StatusPending, relationship.StatusActive, relationship.StatusPaused:
			return true
		}
	}
	return false
}

// PutTrackerData persists one relationship's tracker state.
func (s *Store) PutTrackerData(ctx context.Context, data session.TrackerData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trackerData[data.RelationshipID]; exists {
		return storage.ErrConflict
	}
	s.trackerData[data.RelationshipID] = data
	return nil
}

// GetTrackerData loads one relationship's tracker state.
func (s *Store) GetTrackerData(ctx context.Context, relationshipID string) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.trackerData[strings.TrimSpace(relationshipID)]
	if !ok {
		return session.TrackerData{}, storage.ErrNotFound
	}
	return data, nil
}

// UpdateGoals replaces the relationship's goal targets.
func (s *Store) UpdateGoals(ctx context.Context, relationshipID string, goals session.Goals, updatedAt time.Time) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[relationshipID]
	if !ok {
		return session.TrackerData{}, storage.ErrNotFound
	}
	data.Goals = goals
	data.UpdatedAt = updatedAt
	s.trackerData[relationshipID] = data
	return data, nil
}

// UpdateSettings replaces the relationship's session settings.
func (s *Store) UpdateSettings(ctx context.Context, relationshipID string, settings session.Settings, updatedAt time.Time) (session.TrackerData, error) {
	if err := ctx.Err(); err != nil {
		return session.TrackerData{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[relationshipID]
	if !ok {
		return session.TrackerData{}, storage.ErrNotFound
	}
	data.Settings = settings
	data.UpdatedAt = updatedAt
	s.trackerData[relationshipID] = data
	return data, nil
}

// StartSession inserts the session and activates the current-session
// pointer when no session is active.
func (s *Store) StartSession(ctx context.Context, sess session.Session, current session.CurrentSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[sess.RelationshipID]
	if !ok {
		return storage.ErrNotFound
	}
	if data.Current.IsActive {
		return storage.ErrConflict
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return storage.ErrConflict
	}
	s.sessions[sess.ID] = sess
	data.Current = current
	data.UpdatedAt = current.StartTime
	s.trackerData[sess.RelationshipID] = data
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

// ListSessionsByRelationship lists a relationship's sessions newest first.
func (s *Store) ListSessionsByRelationship(ctx context.Context, relationshipID string, limit int) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []session.Session
	for _, sess := range s.sessions {
		if sess.RelationshipID == relationshipID {
			results = append(results, sess)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].StartTime.After(results[j].StartTime)
		}
		return results[i].ID > results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// MarkSessionPaused sets the pause marker when the session is active and
// not already paused.
func (s *Store) MarkSessionPaused(ctx context.Context, relationshipID string, sessionID string, pausedAt time.Time, evt session.Event) (session.CurrentSession, error) {
	if err := ctx.Err(); err != nil {
		return session.CurrentSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[relationshipID]
	if !ok {
		return session.CurrentSession{}, storage.ErrNotFound
	}
	if !data.Current.IsActive || data.Current.ID != sessionID || data.Current.PausedAt != nil {
		return session.CurrentSession{}, storage.ErrConflict
	}
	marker := pausedAt
	data.Current.PausedAt = &marker
	data.UpdatedAt = pausedAt
	s.trackerData[relationshipID] = data
	s.appendSessionEventLocked(sessionID, evt)
	return data.Current, nil
}

// MarkSessionResumed clears the pause marker when it still matches the
// observed value and accumulates the closed interval.
func (s *Store) MarkSessionResumed(ctx context.Context, relationshipID string, sessionID string, observedPausedAt time.Time, pausedSeconds int64, evt session.Event) (session.CurrentSession, error) {
	if err := ctx.Err(); err != nil {
		return session.CurrentSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[relationshipID]
	if !ok {
		return session.CurrentSession{}, storage.ErrNotFound
	}
	if data.Current.ID != sessionID || data.Current.PausedAt == nil || !data.Current.PausedAt.Equal(observedPausedAt) {
		return session.CurrentSession{}, storage.ErrConflict
	}
	data.Current.PausedAt = nil
	data.Current.PausedSeconds += pausedSeconds
	data.UpdatedAt = evt.Timestamp
	s.trackerData[relationshipID] = data
	s.appendSessionEventLocked(sessionID, evt)
	return data.Current, nil
}

// EndSession finalizes the session and deactivates the current-session
// pointer when it still names this session.
func (s *Store) EndSession(ctx context.Context, relationshipID string, finalized session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.trackerData[relationshipID]
	if !ok {
		return storage.ErrNotFound
	}
	if !data.Current.IsActive || data.Current.ID != finalized.ID {
		return storage.ErrConflict
	}
	if _, exists := s.sessions[finalized.ID]; !exists {
		return storage.ErrNotFound
	}
	s.sessions[finalized.ID] = finalized
	data.Current = session.CurrentSession{}
	data.UpdatedAt = finalized.UpdatedAt
	s.trackerData[relationshipID] = data
	return nil
}

func (s *Store) appendSessionEventLocked(sessionID string, evt session.Event) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.Events = append(append([]session.Event(nil), sess.Events...), evt)
	sess.UpdatedAt = evt.Timestamp
	s.sessions[sessionID] = sess
}

// PutTask persists one task.
func (s *Store) PutTask(ctx context.Context, t task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return storage.ErrConflict
	}
	s.tasks[t.ID] = t
	return nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return task.Task{}, storage.ErrNotFound
	}
	return t, nil
}

// ListTasksByRelationship lists a relationship's tasks newest first.
func (s *Store) ListTasksByRelationship(ctx context.Context, relationshipID string, limit int) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []task.Task
	for _, t := range s.tasks {
		if t.RelationshipID == relationshipID {
			results = append(results, t)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpdateTaskStatus writes the transitioned task guarded by the expected
// prior status.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, expected task.Status, updated task.Task) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[taskID]
	if !ok {
		return task.Task{}, storage.ErrNotFound
	}
	if current.Status != expected {
		return task.Task{}, storage.ErrConflict
	}
	s.tasks[taskID] = updated
	return updated, nil
}

// AppendEvent persists one activity log entry.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.RelationshipID] = append(s.events[evt.RelationshipID], evt)
	return nil
}

// ListEventsByRelationship lists a relationship's log entries newest first.
func (s *Store) ListEventsByRelationship(ctx context.Context, relationshipID string, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.events[relationshipID]
	results := make([]event.Event, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		results = append(results, entries[i])
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, nil
}
