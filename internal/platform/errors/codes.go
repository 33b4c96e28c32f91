// Package errors provides structured error handling for tracker services.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeUserIDRequired         Code = "USER_ID_REQUIRED"
	CodeRelationshipIDRequired Code = "RELATIONSHIP_ID_REQUIRED"
	CodeSessionIDRequired      Code = "SESSION_ID_REQUIRED"
	CodeTaskIDRequired         Code = "TASK_ID_REQUIRED"
	CodeTaskTextRequired       Code = "TASK_TEXT_REQUIRED"
	CodeEventTypeRequired      Code = "EVENT_TYPE_REQUIRED"
	CodeInviteCodeMalformed    Code = "INVITE_CODE_MALFORMED"
	CodeRoleInvalid            Code = "ROLE_INVALID"
	CodeValidation             Code = "VALIDATION"

	// Pairing errors
	CodeSelfLink      Code = "SELF_LINK"
	CodeAlreadyLinked Code = "ALREADY_LINKED"
	// CodePairPaused distinguishes an existing paused pairing from an active
	// one so callers can offer "resume" instead of "choose different user".
	CodePairPaused          Code = "PAIR_PAUSED"
	CodeInviteLimitExceeded Code = "INVITE_LIMIT_EXCEEDED"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Lifecycle errors
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeSessionAlreadyActive Code = "SESSION_ALREADY_ACTIVE"
	CodeSessionAlreadyPaused Code = "SESSION_ALREADY_PAUSED"
	CodeSessionNotPaused     Code = "SESSION_NOT_PAUSED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeUserIDRequired,
		CodeRelationshipIDRequired,
		CodeSessionIDRequired,
		CodeTaskIDRequired,
		CodeTaskTextRequired,
		CodeEventTypeRequired,
		CodeInviteCodeMalformed,
		CodeRoleInvalid,
		CodeValidation,
		CodeSelfLink:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeAlreadyLinked,
		CodePairPaused,
		CodeInvalidTransition,
		CodeSessionAlreadyActive,
		CodeSessionAlreadyPaused,
		CodeSessionNotPaused:
		return codes.FailedPrecondition

	// PermissionDenied - caller lacks the specific permission
	case CodePermissionDenied:
		return codes.PermissionDenied

	// ResourceExhausted - issuance limits
	case CodeInviteLimitExceeded:
		return codes.ResourceExhausted

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// Aborted - optimistic write lost a race; caller may retry
	case CodeConflict:
		return codes.Aborted

	default:
		return codes.Internal
	}
}
