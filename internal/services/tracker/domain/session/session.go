// Package session models one continuous period of device wearing, tracked
// with start/pause/resume/end events and pause-time accounting.
package session

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
	// ErrInvalidInitiator indicates an initiator outside the participant roles.
	ErrInvalidInitiator = apperrors.New(apperrors.CodeRoleInvalid, "session events must be initiated by a participant role")
)

// EventType identifies one lifecycle event within a session.
type EventType string

const (
	// EventStart marks the beginning of a session.
	EventStart EventType = "start"
	// EventPause marks the beginning of a paused interval.
	EventPause EventType = "pause"
	// EventResume marks the end of a paused interval.
	EventResume EventType = "resume"
	// EventEnd marks the end of a session.
	EventEnd EventType = "end"
)

// Event is one lifecycle occurrence within a session.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	InitiatedBy role.Role
	Reason      string
}

// Approval captures whether a session end needs keyholder sign-off.
type Approval struct {
	Required  bool
	GrantedAt *time.Time
}

// Session is one wearing period. Ended sessions are immutable history.
type Session struct {
	ID             string
	RelationshipID string
	StartTime      time.Time
	EndTime        *time.Time
	// DurationSeconds is set when the session ends: end minus start, floored.
	DurationSeconds int64
	// PausedSeconds is the accumulated paused time, set when the session ends.
	PausedSeconds int64
	Events        []Event
	GoalSeconds   int64
	GoalMet       bool
	HardcoreMode  bool
	Notes         string
	Approval      Approval
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveSeconds is the worn duration excluding paused time. Never
// negative: pause accounting that exceeds the duration clamps to zero.
func (s Session) EffectiveSeconds() int64 {
	effective := s.DurationSeconds - s.PausedSeconds
	if effective < 0 {
		return 0
	}
	return effective
}

// StartInput describes a session start.
type StartInput struct {
	RelationshipID   string
	InitiatedBy      role.Role
	GoalSeconds      int64
	HardcoreMode     bool
	Notes            string
	ApprovalRequired bool
}

// Start builds a new running session with its start event recorded.
func Start(input StartInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.RelationshipID = strings.TrimSpace(input.RelationshipID)
	if input.RelationshipID == "" {
		return Session{}, ErrEmptyRelationshipID
	}
	if !role.Valid(input.InitiatedBy) {
		return Session{}, ErrInvalidInitiator
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	startedAt := now().UTC()
	return Session{
		ID:             sessionID,
		RelationshipID: input.RelationshipID,
		StartTime:      startedAt,
		Events: []Event{{
			Type:        EventStart,
			Timestamp:   startedAt,
			InitiatedBy: input.InitiatedBy,
		}},
		GoalSeconds:  input.GoalSeconds,
		HardcoreMode: input.HardcoreMode,
		Notes:        strings.TrimSpace(input.Notes),
		Approval:     Approval{Required: input.ApprovalRequired},
		CreatedAt:    startedAt,
		UpdatedAt:    startedAt,
	}, nil
}

// DurationSecondsBetween returns whole elapsed seconds, floored.
func DurationSecondsBetween(start, end time.Time) int64 {
	seconds := int64(end.Sub(start) / time.Second)
	if seconds < 0 {
		return 0
	}
	return seconds
}

// ValidateEvents checks that a session's event list is well formed: ordered
// by timestamp, started first, ended last if ended, and pause/resume strictly
// alternating without overlap.
func ValidateEvents(events []Event) error {
	if len(events) == 0 {
		return fmt.Errorf("session has no events")
	}
	if events[0].Type != EventStart {
		return fmt.Errorf("first session event must be start, got %s", events[0].Type)
	}

	paused := false
	for i, evt := range events {
		if i > 0 {
			if evt.Timestamp.Before(events[i-1].Timestamp) {
				return fmt.Errorf("session events out of order at index %d", i)
			}
			if evt.Type == EventStart {
				return fmt.Errorf("duplicate start event at index %d", i)
			}
			if events[i-1].Type == EventEnd {
				return fmt.Errorf("event after end at index %d", i)
			}
		}
		switch evt.Type {
		case EventPause:
			if paused {
				return fmt.Errorf("pause while already paused at index %d", i)
			}
			paused = true
		case EventResume:
			if !paused {
				return fmt.Errorf("resume while not paused at index %d", i)
			}
			paused = false
		}
	}
	return nil
}
