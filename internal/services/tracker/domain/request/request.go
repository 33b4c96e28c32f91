// Package request models direct pairing requests between two user accounts.
package request

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/id"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
)

// Expiration is how long a pairing request stays open.
const Expiration = 7 * 24 * time.Hour

var (
	// ErrEmptyFromUserID indicates a missing sender.
	ErrEmptyFromUserID = apperrors.New(apperrors.CodeUserIDRequired, "from user id is required")
	// ErrEmptyToUserID indicates a missing recipient.
	ErrEmptyToUserID = apperrors.New(apperrors.CodeUserIDRequired, "to user id is required")
	// ErrSelfRequest indicates sender and recipient are the same user.
	ErrSelfRequest = apperrors.New(apperrors.CodeSelfLink, "a user cannot send a pairing request to themselves")
	// ErrInvalidRole indicates the sender role is not a participant role.
	ErrInvalidRole = apperrors.New(apperrors.CodeRoleInvalid, "from role must be keyholder or submissive")
)

// Status represents the lifecycle status of a pairing request.
type Status string

const (
	// StatusUnspecified represents an invalid request status.
	StatusUnspecified Status = ""
	// StatusPending indicates a request awaiting a response.
	StatusPending Status = "PENDING"
	// StatusAccepted indicates the recipient accepted the request.
	StatusAccepted Status = "ACCEPTED"
	// StatusRejected indicates the recipient rejected the request.
	StatusRejected Status = "REJECTED"
)

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return StatusPending
	case "ACCEPTED":
		return StatusAccepted
	case "REJECTED":
		return StatusRejected
	default:
		return StatusUnspecified
	}
}

// Request is a direct pairing offer from one user to another. The sender
// names the role they intend to hold; the recipient holds the complement.
type Request struct {
	ID          string
	FromUserID  string
	ToUserID    string
	FromRole    role.Role
	ToRole      role.Role
	Status      Status
	Message     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
}

// Expired reports whether the request can no longer be responded to.
func (r Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// SubmissiveID returns the user holding the submissive role in the pairing
// this request proposes.
func (r Request) SubmissiveID() string {
	if r.FromRole == role.RoleSubmissive {
		return r.FromUserID
	}
	return r.ToUserID
}

// KeyholderID returns the user holding the keyholder role in the pairing
// this request proposes.
func (r Request) KeyholderID() string {
	if r.FromRole == role.RoleKeyholder {
		return r.FromUserID
	}
	return r.ToUserID
}

// CreateInput describes the metadata needed to send a pairing request.
type CreateInput struct {
	FromUserID string
	ToUserID   string
	FromRole   role.Role
	Message    string
}

// Create builds a pending request with a generated ID and a 7-day expiry.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Request, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.FromUserID = strings.TrimSpace(input.FromUserID)
	if input.FromUserID == "" {
		return Request{}, ErrEmptyFromUserID
	}
	input.ToUserID = strings.TrimSpace(input.ToUserID)
	if input.ToUserID == "" {
		return Request{}, ErrEmptyToUserID
	}
	if input.FromUserID == input.ToUserID {
		return Request{}, ErrSelfRequest
	}
	if !role.Valid(input.FromRole) {
		return Request{}, ErrInvalidRole
	}

	requestID, err := idGenerator()
	if err != nil {
		return Request{}, fmt.Errorf("generate request id: %w", err)
	}

	createdAt := now().UTC()
	return Request{
		ID:         requestID,
		FromUserID: input.FromUserID,
		ToUserID:   input.ToUserID,
		FromRole:   input.FromRole,
		ToRole:     role.Complement(input.FromRole),
		Status:     StatusPending,
		Message:    strings.TrimSpace(input.Message),
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(Expiration),
	}, nil
}
