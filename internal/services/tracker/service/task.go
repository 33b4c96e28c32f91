package service

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/metrics"
	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/watch"
)

const defaultTaskLimit = 50

// CreateTaskInput describes a new task assignment.
type CreateTaskInput struct {
	Text        string
	DueDate     *time.Time
	Consequence string
}

// CreateTask assigns a new task within the relationship. The submissive can
// always self-assign; the keyholder needs the task edit permission.
func (s *Service) CreateTask(ctx context.Context, relationshipID string, userID string, input CreateTaskInput) (task.Task, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return task.Task{}, err
	}
	if err := s.requireLiveRelationship(rel); err != nil {
		return task.Task{}, err
	}
	if actorRole == role.RoleKeyholder {
		if err := s.requirePermission(rel, userID, relationship.ActionEditTasks); err != nil {
			return task.Task{}, err
		}
	}

	created, err := task.Create(task.CreateInput{
		RelationshipID: relationshipID,
		Text:           input.Text,
		AssignedBy:     actorRole,
		DueDate:        input.DueDate,
		Consequence:    input.Consequence,
	}, s.clock, s.newID)
	if err != nil {
		return task.Task{}, err
	}
	if err := s.store.PutTask(ctx, created); err != nil {
		return task.Task{}, mapStorageError(err, "store task")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeTaskAssigned,
		LoggedBy:       actorRole,
		Details:        event.Details{Notes: created.Text, KeyholderControlled: actorRole == role.RoleKeyholder},
	}); err != nil {
		return task.Task{}, err
	}
	metrics.TaskTransitions.WithLabelValues(string(task.StatusPending)).Inc()
	s.publishTaskList(ctx, relationshipID)
	if s.notifier != nil {
		s.notifier.TaskStatusChanged(ctx, relationshipID, created.ID, actorRole, task.StatusPending)
	}
	return created, nil
}

// SubmitTask turns a pending task in for keyholder review. Submissive only.
func (s *Service) SubmitTask(ctx context.Context, taskID string, userID string, note string) (task.Task, error) {
	return s.transitionTask(ctx, taskID, userID, task.StatusSubmitted, func(t *task.Task, at time.Time) {
		t.SubmissiveNote = strings.TrimSpace(note)
		t.SubmittedAt = &at
	})
}

// ApproveTask accepts a submitted task. Keyholder only.
func (s *Service) ApproveTask(ctx context.Context, taskID string, userID string, feedback string) (task.Task, error) {
	return s.transitionTask(ctx, taskID, userID, task.StatusApproved, func(t *task.Task, at time.Time) {
		t.KeyholderFeedback = strings.TrimSpace(feedback)
		t.ReviewedAt = &at
	})
}

// RejectTask sends a submitted task back. Keyholder only; rejection is
// terminal.
func (s *Service) RejectTask(ctx context.Context, taskID string, userID string, feedback string) (task.Task, error) {
	return s.transitionTask(ctx, taskID, userID, task.StatusRejected, func(t *task.Task, at time.Time) {
		t.KeyholderFeedback = strings.TrimSpace(feedback)
		t.ReviewedAt = &at
	})
}

// CompleteTask closes out an approved task. Either participant may close.
func (s *Service) CompleteTask(ctx context.Context, taskID string, userID string) (task.Task, error) {
	return s.transitionTask(ctx, taskID, userID, task.StatusCompleted, func(t *task.Task, at time.Time) {
		t.CompletedAt = &at
	})
}

// ListTasks lists the relationship's tasks newest first.
func (s *Service) ListTasks(ctx context.Context, relationshipID string, userID string, limit int) ([]task.Task, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	if _, _, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTaskLimit
	}
	tasks, err := s.store.ListTasksByRelationship(ctx, relationshipID, limit)
	if err != nil {
		return nil, mapStorageError(err, "list tasks")
	}
	return tasks, nil
}

var taskEventTypes = map[task.Status]string{
	task.StatusSubmitted: event.TypeTaskSubmitted,
	task.StatusApproved:  event.TypeTaskApproved,
	task.StatusRejected:  event.TypeTaskRejected,
	task.StatusCompleted: event.TypeTaskCompleted,
}

func (s *Service) transitionTask(ctx context.Context, taskID string, userID string, next task.Status, apply func(*task.Task, time.Time)) (task.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return task.Task{}, apperrors.New(apperrors.CodeTaskIDRequired, "task id is required")
	}

	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, mapStorageError(err, "load task")
	}
	rel, actorRole, err := s.relationshipForParticipant(ctx, current.RelationshipID, strings.TrimSpace(userID))
	if err != nil {
		return task.Task{}, err
	}
	if err := s.requireLiveRelationship(rel); err != nil {
		return task.Task{}, err
	}
	if !task.TransitionAllowed(current.Status, next, actorRole) {
		return task.Task{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			"task status transition is not allowed for this role",
			map[string]string{"from": string(current.Status), "to": string(next), "role": string(actorRole)})
	}

	at := s.now()
	updated := current
	updated.Status = next
	updated.UpdatedAt = at
	apply(&updated, at)

	stored, err := s.store.UpdateTaskStatus(ctx, taskID, current.Status, updated)
	if err != nil {
		return task.Task{}, mapStorageError(err, "transition task")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: stored.RelationshipID,
		Type:           taskEventTypes[next],
		LoggedBy:       actorRole,
		Details:        event.Details{Notes: stored.Text},
	}); err != nil {
		return task.Task{}, err
	}
	metrics.TaskTransitions.WithLabelValues(string(next)).Inc()
	s.publishTaskList(ctx, stored.RelationshipID)
	if s.notifier != nil {
		s.notifier.TaskStatusChanged(ctx, stored.RelationshipID, stored.ID, actorRole, next)
	}
	return stored, nil
}

// WatchTasks subscribes a participant to task list changes and returns an
// unsubscribe func. The current list is delivered first.
func (s *Service) WatchTasks(ctx context.Context, relationshipID string, userID string, onChange func(watch.TaskUpdate)) (func(), error) {
	relationshipID = strings.TrimSpace(relationshipID)
	if _, _, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID)); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "onChange callback is required")
	}

	unsubscribe := s.taskHub.Subscribe(relationshipID, onChange)
	if tasks, err := s.store.ListTasksByRelationship(ctx, relationshipID, defaultTaskLimit); err == nil {
		onChange(watch.TaskUpdate{RelationshipID: relationshipID, Tasks: tasks})
	}
	return unsubscribe, nil
}
