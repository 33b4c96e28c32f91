// Package event models the append-only audit log of relationship activity
// and the query filters used to search it.
package event

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/id"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
)

var (
	// ErrEmptyRelationshipID indicates a missing relationship ID.
	ErrEmptyRelationshipID = apperrors.New(apperrors.CodeRelationshipIDRequired, "relationship id is required")
	// ErrEmptyType indicates a missing event type.
	ErrEmptyType = apperrors.New(apperrors.CodeEventTypeRequired, "event type is required")
)

// Well-known event types. The log is open ended: services may record other
// types without registering them here.
const (
	TypeSessionStart    = "session_start"
	TypeSessionPause    = "session_pause"
	TypeSessionResume   = "session_resume"
	TypeSessionEnd      = "session_end"
	TypeTaskAssigned    = "task_assigned"
	TypeTaskSubmitted   = "task_submitted"
	TypeTaskApproved    = "task_approved"
	TypeTaskRejected    = "task_rejected"
	TypeTaskCompleted   = "task_completed"
	TypeRelationship    = "relationship_status"
	TypePermissions     = "permissions_updated"
	TypeEmergencyUnlock = "emergency_unlock"
)

// Details carries the structured payload of a logged event. Zero values mean
// the field does not apply to the event type.
type Details struct {
	Notes           string
	DurationSeconds int64
	GoalType        string
	GoalCompleted   bool
	Rating          int
	// KeyholderControlled marks activity performed under keyholder direction.
	KeyholderControlled bool
}

// Event is one immutable entry in a relationship's activity log.
type Event struct {
	ID             string
	RelationshipID string
	Type           string
	Timestamp      time.Time
	LoggedBy       role.Role
	// IsPrivate hides the entry from the keyholder's view of the log.
	IsPrivate bool
	Tags      []string
	Details   Details
}

// AppendInput describes a new log entry.
type AppendInput struct {
	RelationshipID string
	Type           string
	LoggedBy       role.Role
	IsPrivate      bool
	Tags           []string
	Details        Details
}

// New builds a log entry from input. The timestamp is taken from the clock,
// not the caller.
func New(input AppendInput, now func() time.Time, idGenerator func() (string, error)) (Event, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.RelationshipID = strings.TrimSpace(input.RelationshipID)
	input.Type = strings.TrimSpace(input.Type)
	if input.RelationshipID == "" {
		return Event{}, ErrEmptyRelationshipID
	}
	if input.Type == "" {
		return Event{}, ErrEmptyType
	}

	eventID, err := idGenerator()
	if err != nil {
		return Event{}, fmt.Errorf("generate event id: %w", err)
	}

	tags := make([]string, 0, len(input.Tags))
	for _, tag := range input.Tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}

	return Event{
		ID:             eventID,
		RelationshipID: input.RelationshipID,
		Type:           input.Type,
		Timestamp:      now().UTC(),
		LoggedBy:       input.LoggedBy,
		IsPrivate:      input.IsPrivate,
		Tags:           tags,
		Details:        input.Details,
	}, nil
}
