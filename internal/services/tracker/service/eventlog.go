package service

import (
	"context"
	"strings"

	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
)

// defaultEventWindow bounds how much history list and search operations
// scan.
const defaultEventWindow = 500

// LogEvent appends a caller-supplied entry to the relationship's activity
// log.
func (s *Service) LogEvent(ctx context.Context, relationshipID string, userID string, input event.AppendInput) (event.Event, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	_, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return event.Event{}, err
	}

	input.RelationshipID = relationshipID
	input.LoggedBy = actorRole
	return s.appendAudit(ctx, input)
}

// ListEvents lists the relationship's log entries newest first. The
// keyholder's view drops private entries and unshared detail fields.
func (s *Service) ListEvents(ctx context.Context, relationshipID string, userID string, limit int) ([]event.Event, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	_, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	events, err := s.store.ListEventsByRelationship(ctx, relationshipID, limit)
	if err != nil {
		return nil, mapStorageError(err, "list events")
	}
	if actorRole == role.RoleKeyholder {
		events = event.RedactEvents(events, event.DefaultSharingSettings())
	}
	return events, nil
}

// SearchEvents filters the relationship's recent history with the query.
// Filters combine with AND; redaction applies before filtering for the
// keyholder so unshared fields cannot be probed through search.
func (s *Service) SearchEvents(ctx context.Context, relationshipID string, userID string, query event.Query) ([]event.Event, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	_, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEventsByRelationship(ctx, relationshipID, defaultEventWindow)
	if err != nil {
		return nil, mapStorageError(err, "list events")
	}
	if actorRole == role.RoleKeyholder {
		events = event.RedactEvents(events, event.DefaultSharingSettings())
	}
	return query.Filter(events), nil
}
