// Package invite provides short-lived pairing codes a submissive issues to
// let a chosen keyholder establish a relationship.
package invite

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/id"
)

const (
	// CodeLength is the fixed length of a pairing code.
	CodeLength = 6
	// DefaultExpiration applies when no expiration is requested.
	DefaultExpiration = 24 * time.Hour
	// MaxActiveCodes bounds how many unexpired, unused codes a submissive
	// may hold at once.
	MaxActiveCodes = 3

	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

var (
	// ErrEmptySubmissiveID indicates a missing issuing submissive ID.
	ErrEmptySubmissiveID = apperrors.New(apperrors.CodeUserIDRequired, "submissive user id is required")
	// ErrMalformedCode indicates a code that does not match the fixed pattern.
	ErrMalformedCode = apperrors.New(apperrors.CodeInviteCodeMalformed, "invite code must be 6 uppercase alphanumeric characters")
)

// InviteCode is a single-use pairing token.
type InviteCode struct {
	ID           string
	SubmissiveID string
	Code         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UsedAt       *time.Time
	RevokedAt    *time.Time
}

// Active reports whether the code can still be accepted at the given time.
func (c InviteCode) Active(now time.Time) bool {
	if c.UsedAt != nil || c.RevokedAt != nil {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// CreateInput describes the metadata needed to issue an invite code.
type CreateInput struct {
	SubmissiveID string
	// Expiration defaults to DefaultExpiration when zero.
	Expiration time.Duration
}

// Create issues a new invite code with a generated ID and code value.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (InviteCode, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.SubmissiveID = strings.TrimSpace(input.SubmissiveID)
	if input.SubmissiveID == "" {
		return InviteCode{}, ErrEmptySubmissiveID
	}
	if input.Expiration <= 0 {
		input.Expiration = DefaultExpiration
	}

	codeID, err := idGenerator()
	if err != nil {
		return InviteCode{}, fmt.Errorf("generate invite id: %w", err)
	}
	code, err := GenerateCode()
	if err != nil {
		return InviteCode{}, fmt.Errorf("generate invite code: %w", err)
	}

	createdAt := now().UTC()
	return InviteCode{
		ID:           codeID,
		SubmissiveID: input.SubmissiveID,
		Code:         code,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(input.Expiration),
	}, nil
}

// GenerateCode produces a random code of CodeLength uppercase alphanumerics.
func GenerateCode() (string, error) {
	var raw [CodeLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	var builder strings.Builder
	builder.Grow(CodeLength)
	for _, b := range raw {
		builder.WriteByte(codeCharset[int(b)%len(codeCharset)])
	}
	return builder.String(), nil
}

// ValidateCode checks a candidate code against the fixed pattern before it
// is looked up. Codes are never case-folded: lowercase input is rejected.
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return ErrMalformedCode
	}
	return nil
}
