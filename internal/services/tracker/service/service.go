// Package service orchestrates tracker operations: pairing, sessions,
// tasks, and the activity log. It owns permission checks, audit logging,
// and change notification around the storage layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/id"
	"github.com/keybound/keybound/internal/platform/metrics"
	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/storage"
	"github.com/keybound/keybound/internal/services/tracker/watch"
)

// Notifier receives task workflow changes for out-of-band delivery.
type Notifier interface {
	TaskStatusChanged(ctx context.Context, relationshipID string, taskID string, actor role.Role, status task.Status)
}

// Service exposes tracker operations backed by a storage.Store.
type Service struct {
	store    storage.Store
	clock    func() time.Time
	newID    func() (string, error)
	hub      *watch.Hub[watch.Update]
	taskHub  *watch.Hub[watch.TaskUpdate]
	notifier Notifier
}

// Option customizes Service construction.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the ID source.
func WithIDGenerator(generator func() (string, error)) Option {
	return func(s *Service) {
		if generator != nil {
			s.newID = generator
		}
	}
}

// WithHub sets the tracker-state notification hub.
func WithHub(hub *watch.Hub[watch.Update]) Option {
	return func(s *Service) {
		if hub != nil {
			s.hub = hub
		}
	}
}

// WithNotifier sets the task workflow notifier.
func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// New builds a Service over the given store.
func New(store storage.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	svc := &Service{
		store:   store,
		clock:   time.Now,
		newID:   id.NewID,
		hub:     watch.NewHub[watch.Update](),
		taskHub: watch.NewHub[watch.TaskUpdate](),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Hub returns the tracker-state hub used by watch subscriptions.
func (s *Service) Hub() *watch.Hub[watch.Update] {
	return s.hub
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// relationshipForParticipant loads the relationship and resolves the
// caller's role in it. Non-participants get a permission error, not an
// existence probe.
func (s *Service) relationshipForParticipant(ctx context.Context, relationshipID string, userID string) (relationship.Relationship, role.Role, error) {
	if relationshipID == "" {
		return relationship.Relationship{}, role.RoleUnspecified, apperrors.New(apperrors.CodeRelationshipIDRequired, "relationship id is required")
	}
	if userID == "" {
		return relationship.Relationship{}, role.RoleUnspecified, apperrors.New(apperrors.CodeUserIDRequired, "user id is required")
	}
	rel, err := s.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return relationship.Relationship{}, role.RoleUnspecified, mapStorageError(err, "load relationship")
	}
	actorRole := relationship.RoleOf(rel, userID)
	if actorRole == role.RoleUnspecified {
		return relationship.Relationship{}, role.RoleUnspecified, apperrors.New(apperrors.CodePermissionDenied, "user is not a participant in this relationship")
	}
	return rel, actorRole, nil
}

func (s *Service) requirePermission(rel relationship.Relationship, userID string, action relationship.Action) error {
	if !relationship.Allows(rel, userID, action) {
		return apperrors.WithMetadata(apperrors.CodePermissionDenied, "action is not permitted for this user",
			map[string]string{"action": string(action)})
	}
	return nil
}

// appendAudit writes one activity log entry. Audit failures fail the
// operation: the log is the system of record for what happened.
func (s *Service) appendAudit(ctx context.Context, input event.AppendInput) (event.Event, error) {
	evt, err := event.New(input, s.clock, s.newID)
	if err != nil {
		return event.Event{}, err
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		return event.Event{}, mapStorageError(err, "append audit event")
	}
	metrics.EventsLogged.Inc()
	return evt, nil
}

func (s *Service) publishTrackerData(ctx context.Context, relationshipID string) {
	if s.hub == nil {
		return
	}
	data, err := s.store.GetTrackerData(ctx, relationshipID)
	if err != nil {
		return
	}
	s.hub.Publish(relationshipID, watch.Update{RelationshipID: relationshipID, Data: data})
}

func (s *Service) publishTaskList(ctx context.Context, relationshipID string) {
	if s.taskHub == nil {
		return
	}
	tasks, err := s.store.ListTasksByRelationship(ctx, relationshipID, defaultTaskLimit)
	if err != nil {
		return
	}
	s.taskHub.Publish(relationshipID, watch.TaskUpdate{RelationshipID: relationshipID, Tasks: tasks})
}

func mapStorageError(err error, operation string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.New(apperrors.CodeNotFound, operation+": record not found")
	case errors.Is(err, storage.ErrConflict):
		metrics.WriteConflicts.Inc()
		return apperrors.New(apperrors.CodeConflict, operation+": concurrent update lost")
	default:
		return apperrors.Wrap(apperrors.CodeUnknown, operation+" failed", err)
	}
}
