// Package task models assigned tasks and their review workflow.
package task

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
	// ErrEmptyText indicates a missing task description.
	ErrEmptyText = apperrors.New(apperrors.CodeTaskTextRequired, "task text is required")
	// ErrInvalidAssigner indicates an assigner outside the participant roles.
	ErrInvalidAssigner = apperrors.New(apperrors.CodeRoleInvalid, "tasks must be assigned by a participant role")
)

// Status is the review state of a task.
type Status string

const (
	// StatusPending means the task is assigned and not yet turned in.
	StatusPending Status = "PENDING"
	// StatusSubmitted means the submissive turned the task in for review.
	StatusSubmitted Status = "SUBMITTED"
	// StatusApproved means the keyholder accepted the submission.
	StatusApproved Status = "APPROVED"
	// StatusRejected means the keyholder sent the task back. Terminal.
	StatusRejected Status = "REJECTED"
	// StatusCompleted means the approved task is closed out.
	StatusCompleted Status = "COMPLETED"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// Task is one assignment within a relationship.
type Task struct {
	ID             string
	RelationshipID string
	Text           string
	Status         Status
	AssignedBy     role.Role
	AssignedTo     role.Role
	DueDate        *time.Time
	Consequence    string
	// SubmissiveNote is attached when the task is submitted for review.
	SubmissiveNote string
	// KeyholderFeedback is attached when the task is approved or rejected.
	KeyholderFeedback string
	SubmittedAt       *time.Time
	ReviewedAt        *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateInput describes a new task assignment.
type CreateInput struct {
	RelationshipID string
	Text           string
	AssignedBy     role.Role
	DueDate        *time.Time
	Consequence    string
}

// Create builds a new pending task. Tasks are always assigned to the
// submissive regardless of who created them.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Task, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.RelationshipID = strings.TrimSpace(input.RelationshipID)
	input.Text = strings.TrimSpace(input.Text)
	if input.RelationshipID == "" {
		return Task{}, ErrEmptyRelationshipID
	}
	if input.Text == "" {
		return Task{}, ErrEmptyText
	}
	if !role.Valid(input.AssignedBy) {
		return Task{}, ErrInvalidAssigner
	}

	taskID, err := idGenerator()
	if err != nil {
		return Task{}, fmt.Errorf("generate task id: %w", err)
	}

	createdAt := now().UTC()
	return Task{
		ID:             taskID,
		RelationshipID: input.RelationshipID,
		Text:           input.Text,
		Status:         StatusPending,
		AssignedBy:     input.AssignedBy,
		AssignedTo:     role.RoleSubmissive,
		DueDate:        input.DueDate,
		Consequence:    strings.TrimSpace(input.Consequence),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// TransitionAllowed reports whether the actor role may move a task from one
// status to another. Submission belongs to the submissive, review to the
// keyholder, and closing an approved task to either participant.
func TransitionAllowed(from, to Status, by role.Role) bool {
	switch from {
	case StatusPending:
		return to == StatusSubmitted && by == role.RoleSubmissive
	case StatusSubmitted:
		return (to == StatusApproved || to == StatusRejected) && by == role.RoleKeyholder
	case StatusApproved:
		return to == StatusCompleted && role.Valid(by)
	}
	return false
}
