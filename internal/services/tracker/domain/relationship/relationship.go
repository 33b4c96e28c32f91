// Package relationship models the keyholder/submissive pairing and its
// lifecycle, permissions, and role resolution.
package relationship

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/id"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
)

var (
	// ErrEmptySubmissiveID indicates a missing submissive user ID.
	ErrEmptySubmissiveID = apperrors.New(apperrors.CodeUserIDRequired, "submissive user id is required")
	// ErrEmptyKeyholderID indicates a missing keyholder user ID.
	ErrEmptyKeyholderID = apperrors.New(apperrors.CodeUserIDRequired, "keyholder user id is required")
	// ErrSelfLink indicates both sides of the pairing are the same user.
	ErrSelfLink = apperrors.New(apperrors.CodeSelfLink, "a user cannot pair with themselves")
)

// Status represents the lifecycle status of a relationship.
type Status string

const (
	// StatusUnspecified represents an invalid relationship status.
	StatusUnspecified Status = ""
	// StatusPending indicates a relationship awaiting establishment.
	StatusPending Status = "PENDING"
	// StatusActive indicates an established, running relationship.
	StatusActive Status = "ACTIVE"
	// StatusPaused indicates a relationship temporarily on hold.
	StatusPaused Status = "PAUSED"
	// StatusEnded indicates a terminated relationship. Terminal.
	StatusEnded Status = "ENDED"
)

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return StatusPending
	case "ACTIVE":
		return StatusActive
	case "PAUSED":
		return StatusPaused
	case "ENDED":
		return StatusEnded
	default:
		return StatusUnspecified
	}
}

// IsStatusTransitionAllowed enforces valid relationship lifecycle transitions.
func IsStatusTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusEnded
	case StatusActive:
		return to == StatusPaused || to == StatusEnded
	case StatusPaused:
		return to == StatusActive || to == StatusEnded
	default:
		// ENDED is terminal.
		return false
	}
}

// Permissions captures what each participant may do within a relationship.
// Mutable only by the keyholder.
type Permissions struct {
	KeyholderCanEditSessions    bool
	KeyholderCanEditTasks       bool
	KeyholderCanEditGoals       bool
	KeyholderCanEditPunishments bool
	KeyholderCanEditSettings    bool

	SubmissiveCanPause bool
	EmergencyUnlock    bool

	RequireApprovalSessionEnd     bool
	RequireApprovalTaskCompletion bool
	RequireApprovalGoalChanges    bool
}

// DefaultPermissions returns the permission set granted when a relationship
// is established. The keyholder may edit everything; the submissive may
// pause and retains the emergency unlock; nothing requires explicit approval.
func DefaultPermissions() Permissions {
	return Permissions{
		KeyholderCanEditSessions:    true,
		KeyholderCanEditTasks:       true,
		KeyholderCanEditGoals:       true,
		KeyholderCanEditPunishments: true,
		KeyholderCanEditSettings:    true,
		SubmissiveCanPause:          true,
		EmergencyUnlock:             true,
	}
}

// Relationship pairs a submissive and a keyholder account.
type Relationship struct {
	ID            string
	SubmissiveID  string
	KeyholderID   string
	Status        Status
	Permissions   Permissions
	Notes         string
	CreatedAt     time.Time
	EstablishedAt time.Time
	EndedAt       *time.Time
	UpdatedAt     time.Time
}

// CreateInput describes the metadata needed to establish a relationship.
type CreateInput struct {
	SubmissiveID string
	KeyholderID  string
	Notes        string
}

// Create establishes an ACTIVE relationship with default permissions.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Relationship, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Relationship{}, err
	}

	relationshipID, err := idGenerator()
	if err != nil {
		return Relationship{}, fmt.Errorf("generate relationship id: %w", err)
	}

	createdAt := now().UTC()
	return Relationship{
		ID:            relationshipID,
		SubmissiveID:  normalized.SubmissiveID,
		KeyholderID:   normalized.KeyholderID,
		Status:        StatusActive,
		Permissions:   DefaultPermissions(),
		Notes:         normalized.Notes,
		CreatedAt:     createdAt,
		EstablishedAt: createdAt,
		UpdatedAt:     createdAt,
	}, nil
}

// NormalizeCreateInput trims and validates pairing input metadata.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.SubmissiveID = strings.TrimSpace(input.SubmissiveID)
	if input.SubmissiveID == "" {
		return CreateInput{}, ErrEmptySubmissiveID
	}
	input.KeyholderID = strings.TrimSpace(input.KeyholderID)
	if input.KeyholderID == "" {
		return CreateInput{}, ErrEmptyKeyholderID
	}
	if input.SubmissiveID == input.KeyholderID {
		return CreateInput{}, ErrSelfLink
	}
	input.Notes = strings.TrimSpace(input.Notes)
	return input, nil
}

// RoleOf resolves which role a user holds within a relationship.
// Returns RoleUnspecified for non-participants.
func RoleOf(rel Relationship, userID string) role.Role {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return role.RoleUnspecified
	}
	switch userID {
	case rel.KeyholderID:
		return role.RoleKeyholder
	case rel.SubmissiveID:
		return role.RoleSubmissive
	default:
		return role.RoleUnspecified
	}
}

// IsParticipant reports whether the user is either side of the relationship.
func IsParticipant(rel Relationship, userID string) bool {
	return RoleOf(rel, userID) != role.RoleUnspecified
}
