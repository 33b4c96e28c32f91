// Package storage defines the persistence contract for the tracker service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/invite"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/request"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost against a concurrent update or a
	// uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// RelationshipStore persists keyholder/submissive relationships.
type RelationshipStore interface {
	PutRelationship(ctx context.Context, rel relationship.Relationship) error
	GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error)
	ListRelationshipsByUser(ctx context.Context, userID string) ([]relationship.Relationship, error)
	// UpdateRelationshipStatus writes the new status only when the stored
	// status still equals expected. Returns ErrConflict otherwise.
	UpdateRelationshipStatus(ctx context.Context, relationshipID string, expected, next relationship.Status, updatedAt time.Time) (relationship.Relationship, error)
	UpdateRelationshipPermissions(ctx context.Context, relationshipID string, perms relationship.Permissions, updatedAt time.Time) (relationship.Relationship, error)
}

// RequestStore persists pairing requests.
type RequestStore interface {
	PutRequest(ctx context.Context, req request.Request) error
	GetRequest(ctx context.Context, requestID string) (request.Request, error)
	ListRequestsByUser(ctx context.Context, userID string) ([]request.Request, error)
	// AcceptRequest atomically marks a pending request accepted and creates
	// the relationship plus its tracker state. Returns ErrConflict when the
	// request is no longer pending.
	AcceptRequest(ctx context.Context, requestID string, rel relationship.Relationship, data session.TrackerData, respondedAt time.Time) (request.Request, error)
	// RejectRequest marks a pending request rejected. Returns ErrConflict
	// when the request is no longer pending.
	RejectRequest(ctx context.Context, requestID string, respondedAt time.Time) (request.Request, error)
}

// InviteStore persists invite codes.
type InviteStore interface {
	PutInviteCode(ctx context.Context, code invite.InviteCode) error
	GetInviteCode(ctx context.Context, inviteID string) (invite.InviteCode, error)
	GetInviteCodeByCode(ctx context.Context, code string) (invite.InviteCode, error)
	ListInviteCodesBySubmissive(ctx context.Context, submissiveID string) ([]invite.InviteCode, error)
	RevokeInviteCode(ctx context.Context, inviteID string, revokedAt time.Time) (invite.InviteCode, error)
	// ConsumeInviteCodeWithRelationship atomically marks an unused invite
	// code used and creates the relationship plus its tracker state. Returns
	// ErrConflict when the code was used or revoked concurrently.
	ConsumeInviteCodeWithRelationship(ctx context.Context, inviteID string, usedAt time.Time, rel relationship.Relationship, data session.TrackerData) error
}

// TrackerDataStore persists per-relationship session tracking state.
type TrackerDataStore interface {
	PutTrackerData(ctx context.Context, data session.TrackerData) error
	GetTrackerData(ctx context.Context, relationshipID string) (session.TrackerData, error)
	UpdateGoals(ctx context.Context, relationshipID string, goals session.Goals, updatedAt time.Time) (session.TrackerData, error)
	UpdateSettings(ctx context.Context, relationshipID string, settings session.Settings, updatedAt time.Time) (session.TrackerData, error)
}

// SessionStore persists sessions and the per-relationship current-session
// pointer. Mutations are conditional writes keyed on the observed prior
// state so that racing callers lose with ErrConflict instead of corrupting
// pause accounting.
type SessionStore interface {
	// StartSession inserts the session and activates the current-session
	// pointer, failing with ErrConflict when a session is already active.
	StartSession(ctx context.Context, s session.Session, current session.CurrentSession) error
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
	ListSessionsByRelationship(ctx context.Context, relationshipID string, limit int) ([]session.Session, error)
	// MarkSessionPaused sets the pause marker only when the session is
	// active and not already paused.
	MarkSessionPaused(ctx context.Context, relationshipID string, sessionID string, pausedAt time.Time, evt session.Event) (session.CurrentSession, error)
	// MarkSessionResumed clears the pause marker and accumulates the closed
	// pause interval, keyed on the previously observed pause timestamp so a
	// racing resume cannot double count.
	MarkSessionResumed(ctx context.Context, relationshipID string, sessionID string, observedPausedAt time.Time, pausedSeconds int64, evt session.Event) (session.CurrentSession, error)
	// EndSession finalizes the session record and deactivates the
	// current-session pointer, failing with ErrConflict when the pointer no
	// longer names this session.
	EndSession(ctx context.Context, relationshipID string, finalized session.Session) error
}

// TaskStore persists tasks.
type TaskStore interface {
	PutTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, taskID string) (task.Task, error)
	ListTasksByRelationship(ctx context.Context, relationshipID string, limit int) ([]task.Task, error)
	// UpdateTaskStatus writes the task only when the stored status still equals
	// expected. Returns ErrConflict otherwise.
	UpdateTaskStatus(ctx context.Context, taskID string, expected task.Status, updated task.Task) (task.Task, error)
}

// EventStore persists the append-only activity log.
type EventStore interface {
	AppendEvent(ctx context.Context, evt event.Event) error
	ListEventsByRelationship(ctx context.Context, relationshipID string, limit int) ([]event.Event, error)
}

// Store is the full persistence surface of the tracker service.
type Store interface {
	RelationshipStore
	RequestStore
	InviteStore
	TrackerDataStore
	SessionStore
	TaskStore
	EventStore

	Close() error
}
