package service

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/platform/metrics"
	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/invite"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/request"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/storage"
)

// createInviteAttempts bounds retries when a generated code collides with an
// existing one.
const createInviteAttempts = 3

// CreateInvite issues a new invite code for the submissive. A submissive may
// hold at most invite.MaxActiveCodes unexpired, unused, unrevoked codes.
func (s *Service) CreateInvite(ctx context.Context, submissiveID string, expiration time.Duration) (invite.InviteCode, error) {
	submissiveID = strings.TrimSpace(submissiveID)
	if submissiveID == "" {
		return invite.InviteCode{}, invite.ErrEmptySubmissiveID
	}

	existing, err := s.store.ListInviteCodesBySubmissive(ctx, submissiveID)
	if err != nil {
		return invite.InviteCode{}, mapStorageError(err, "list invite codes")
	}
	active := 0
	for _, code := range existing {
		if code.Active(s.now()) {
			active++
		}
	}
	if active >= invite.MaxActiveCodes {
		return invite.InviteCode{}, apperrors.WithMetadata(apperrors.CodeInviteLimitExceeded,
			"active invite code limit reached", map[string]string{"limit": "3"})
	}

	var lastErr error
	for attempt := 0; attempt < createInviteAttempts; attempt++ {
		code, createErr := invite.Create(invite.CreateInput{SubmissiveID: submissiveID, Expiration: expiration}, s.clock, s.newID)
		if createErr != nil {
			return invite.InviteCode{}, createErr
		}
		if putErr := s.store.PutInviteCode(ctx, code); putErr != nil {
			if errors.Is(putErr, storage.ErrConflict) {
				lastErr = putErr
				continue
			}
			return invite.InviteCode{}, mapStorageError(putErr, "store invite code")
		}
		return code, nil
	}
	return invite.InviteCode{}, mapStorageError(lastErr, "store invite code")
}

// ListInvites returns the submissive's invite codes, newest first.
func (s *Service) ListInvites(ctx context.Context, submissiveID string) ([]invite.InviteCode, error) {
	submissiveID = strings.TrimSpace(submissiveID)
	if submissiveID == "" {
		return nil, invite.ErrEmptySubmissiveID
	}
	codes, err := s.store.ListInviteCodesBySubmissive(ctx, submissiveID)
	if err != nil {
		return nil, mapStorageError(err, "list invite codes")
	}
	return codes, nil
}

// RevokeInvite revokes one of the submissive's unused codes.
func (s *Service) RevokeInvite(ctx context.Context, submissiveID string, inviteID string) (invite.InviteCode, error) {
	submissiveID = strings.TrimSpace(submissiveID)
	inviteID = strings.TrimSpace(inviteID)
	if submissiveID == "" {
		return invite.InviteCode{}, invite.ErrEmptySubmissiveID
	}
	if inviteID == "" {
		return invite.InviteCode{}, apperrors.New(apperrors.CodeValidation, "invite id is required")
	}

	code, err := s.store.GetInviteCode(ctx, inviteID)
	if err != nil {
		return invite.InviteCode{}, mapStorageError(err, "load invite code")
	}
	if code.SubmissiveID != submissiveID {
		return invite.InviteCode{}, apperrors.New(apperrors.CodePermissionDenied, "only the issuing submissive can revoke an invite code")
	}

	revoked, err := s.store.RevokeInviteCode(ctx, inviteID, s.now())
	if err != nil {
		return invite.InviteCode{}, mapStorageError(err, "revoke invite code")
	}
	return revoked, nil
}

// ClaimInvite consumes a valid invite code and establishes the relationship
// between the inviting submissive and the claiming keyholder.
func (s *Service) ClaimInvite(ctx context.Context, code string, keyholderID string) (relationship.Relationship, error) {
	keyholderID = strings.TrimSpace(keyholderID)
	if keyholderID == "" {
		return relationship.Relationship{}, apperrors.New(apperrors.CodeUserIDRequired, "keyholder user id is required")
	}
	if err := invite.ValidateCode(strings.TrimSpace(code)); err != nil {
		return relationship.Relationship{}, err
	}

	record, err := s.store.GetInviteCodeByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return relationship.Relationship{}, mapStorageError(err, "look up invite code")
	}
	if !record.Active(s.now()) {
		return relationship.Relationship{}, apperrors.New(apperrors.CodeNotFound, "invite code is expired, used, or revoked")
	}

	rel, err := s.establishRelationship(ctx, record.SubmissiveID, keyholderID, func(newRel relationship.Relationship, data session.TrackerData) error {
		return s.store.ConsumeInviteCodeWithRelationship(ctx, record.ID, s.now(), newRel, data)
	})
	if err != nil {
		return relationship.Relationship{}, err
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: rel.ID,
		Type:           event.TypeRelationship,
		LoggedBy:       role.RoleKeyholder,
		Details:        event.Details{Notes: "relationship established via invite code"},
	}); err != nil {
		return relationship.Relationship{}, err
	}
	return rel, nil
}

// SendRequest creates a pairing request toward another user.
func (s *Service) SendRequest(ctx context.Context, input request.CreateInput) (request.Request, error) {
	req, err := request.Create(input, s.clock, s.newID)
	if err != nil {
		return request.Request{}, err
	}
	if err := s.ensurePairUnlinked(ctx, req.SubmissiveID(), req.KeyholderID()); err != nil {
		return request.Request{}, err
	}
	if err := s.store.PutRequest(ctx, req); err != nil {
		return request.Request{}, mapStorageError(err, "store pairing request")
	}
	return req, nil
}

// RespondToRequest accepts or rejects a pending request. Only the recipient
// may respond, and expired requests can no longer be accepted.
func (s *Service) RespondToRequest(ctx context.Context, requestID string, userID string, accept bool) (request.Request, error) {
	requestID = strings.TrimSpace(requestID)
	userID = strings.TrimSpace(userID)
	if requestID == "" {
		return request.Request{}, apperrors.New(apperrors.CodeValidation, "request id is required")
	}
	if userID == "" {
		return request.Request{}, apperrors.New(apperrors.CodeUserIDRequired, "user id is required")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return request.Request{}, mapStorageError(err, "load pairing request")
	}
	if req.ToUserID != userID {
		return request.Request{}, apperrors.New(apperrors.CodePermissionDenied, "only the recipient can respond to a pairing request")
	}
	if req.Status != request.StatusPending {
		return request.Request{}, apperrors.New(apperrors.CodeConflict, "pairing request was already responded to")
	}
	if req.Expired(s.now()) {
		return request.Request{}, apperrors.New(apperrors.CodeValidation, "pairing request has expired")
	}

	if !accept {
		rejected, rejectErr := s.store.RejectRequest(ctx, requestID, s.now())
		if rejectErr != nil {
			return request.Request{}, mapStorageError(rejectErr, "reject pairing request")
		}
		return rejected, nil
	}

	var accepted request.Request
	_, err = s.establishRelationship(ctx, req.SubmissiveID(), req.KeyholderID(), func(newRel relationship.Relationship, data session.TrackerData) error {
		var acceptErr error
		accepted, acceptErr = s.store.AcceptRequest(ctx, requestID, newRel, data, s.now())
		return acceptErr
	})
	if err != nil {
		return request.Request{}, err
	}
	return accepted, nil
}

// ListRequestsForUser lists requests sent or received by the user, newest
// first.
func (s *Service) ListRequestsForUser(ctx context.Context, userID string) ([]request.Request, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDRequired, "user id is required")
	}
	requests, err := s.store.ListRequestsByUser(ctx, userID)
	if err != nil {
		return nil, mapStorageError(err, "list pairing requests")
	}
	return requests, nil
}

// establishRelationship validates the pairing, builds the relationship and
// its tracker state, and hands both to the caller's atomic commit func.
func (s *Service) establishRelationship(ctx context.Context, submissiveID string, keyholderID string, commit func(relationship.Relationship, session.TrackerData) error) (relationship.Relationship, error) {
	if err := s.ensurePairUnlinked(ctx, submissiveID, keyholderID); err != nil {
		return relationship.Relationship{}, err
	}

	rel, err := relationship.Create(relationship.CreateInput{
		SubmissiveID: submissiveID,
		KeyholderID:  keyholderID,
	}, s.clock, s.newID)
	if err != nil {
		return relationship.Relationship{}, err
	}
	data := session.NewTrackerData(rel.ID, s.now())

	if err := commit(rel, data); err != nil {
		return relationship.Relationship{}, mapStorageError(err, "establish relationship")
	}
	metrics.RelationshipsCreated.Inc()
	return rel, nil
}

// ensurePairUnlinked rejects pairing when the submissive already has a live
// relationship. A paused pair reports its own error so callers can surface
// the difference.
func (s *Service) ensurePairUnlinked(ctx context.Context, submissiveID string, keyholderID string) error {
	existing, err := s.store.ListRelationshipsByUser(ctx, submissiveID)
	if err != nil {
		return mapStorageError(err, "list relationships")
	}
	for _, rel := range existing {
		if rel.SubmissiveID != submissiveID {
			continue
		}
		switch rel.Status {
		case relationship.StatusPaused:
			if rel.KeyholderID == keyholderID {
				return apperrors.New(apperrors.CodePairPaused, "this pair has a paused relationship")
			}
			return apperrors.New(apperrors.CodeAlreadyLinked, "submissive already has a keyholder")
		case relationship.StatusActive, relationship.StatusPending:
			return apperrors.New(apperrors.CodeAlreadyLinked, "submissive already has a keyholder")
		}
	}
	return nil
}

// GetRelationship returns a relationship visible to one of its participants.
func (s *Service) GetRelationship(ctx context.Context, relationshipID string, userID string) (relationship.Relationship, error) {
	rel, _, err := s.relationshipForParticipant(ctx, strings.TrimSpace(relationshipID), strings.TrimSpace(userID))
	if err != nil {
		return relationship.Relationship{}, err
	}
	return rel, nil
}

// GetUserRelationships lists all relationships the user participates in.
func (s *Service) GetUserRelationships(ctx context.Context, userID string) ([]relationship.Relationship, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeUserIDRequired, "user id is required")
	}
	relationships, err := s.store.ListRelationshipsByUser(ctx, userID)
	if err != nil {
		return nil, mapStorageError(err, "list relationships")
	}
	return relationships, nil
}

// PauseRelationship moves an active relationship to PAUSED.
func (s *Service) PauseRelationship(ctx context.Context, relationshipID string, userID string) (relationship.Relationship, error) {
	return s.transitionRelationship(ctx, relationshipID, userID, relationship.StatusPaused)
}

// ResumeRelationship moves a paused relationship back to ACTIVE.
func (s *Service) ResumeRelationship(ctx context.Context, relationshipID string, userID string) (relationship.Relationship, error) {
	return s.transitionRelationship(ctx, relationshipID, userID, relationship.StatusActive)
}

// EndRelationship moves a relationship to the terminal ENDED status.
func (s *Service) EndRelationship(ctx context.Context, relationshipID string, userID string) (relationship.Relationship, error) {
	return s.transitionRelationship(ctx, relationshipID, userID, relationship.StatusEnded)
}

func (s *Service) transitionRelationship(ctx context.Context, relationshipID string, userID string, next relationship.Status) (relationship.Relationship, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return relationship.Relationship{}, err
	}
	if !relationship.IsStatusTransitionAllowed(rel.Status, next) {
		return relationship.Relationship{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			"relationship status transition is not allowed",
			map[string]string{"from": string(rel.Status), "to": string(next)})
	}

	updated, err := s.store.UpdateRelationshipStatus(ctx, relationshipID, rel.Status, next, s.now())
	if err != nil {
		return relationship.Relationship{}, mapStorageError(err, "transition relationship")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypeRelationship,
		LoggedBy:       actorRole,
		Details:        event.Details{Notes: "relationship status changed to " + string(next)},
	}); err != nil {
		return relationship.Relationship{}, err
	}
	return updated, nil
}

// UpdatePermissions replaces the relationship's permission set. Only the
// keyholder may change permissions.
func (s *Service) UpdatePermissions(ctx context.Context, relationshipID string, userID string, perms relationship.Permissions) (relationship.Relationship, error) {
	relationshipID = strings.TrimSpace(relationshipID)
	rel, actorRole, err := s.relationshipForParticipant(ctx, relationshipID, strings.TrimSpace(userID))
	if err != nil {
		return relationship.Relationship{}, err
	}
	if actorRole != role.RoleKeyholder {
		return relationship.Relationship{}, apperrors.New(apperrors.CodePermissionDenied, "only the keyholder can change permissions")
	}
	if rel.Status == relationship.StatusEnded {
		return relationship.Relationship{}, apperrors.New(apperrors.CodeInvalidTransition, "relationship has ended")
	}

	updated, err := s.store.UpdateRelationshipPermissions(ctx, relationshipID, perms, s.now())
	if err != nil {
		return relationship.Relationship{}, mapStorageError(err, "update permissions")
	}

	if _, err := s.appendAudit(ctx, event.AppendInput{
		RelationshipID: relationshipID,
		Type:           event.TypePermissions,
		LoggedBy:       actorRole,
	}); err != nil {
		return relationship.Relationship{}, err
	}
	return updated, nil
}
