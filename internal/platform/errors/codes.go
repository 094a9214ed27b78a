// Package errors provides structured error handling for the keyfold service.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ceremony errors
	CodeChallengeNotFound  Code = "CHALLENGE_NOT_FOUND"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"

	// Identity errors
	CodeUserEmptyUsername   Code = "USER_EMPTY_USERNAME"
	CodeUserInvalidUsername Code = "USER_INVALID_USERNAME"
	CodeDuplicateUsername   Code = "DUPLICATE_USERNAME"
	CodeUserNotFound        Code = "USER_NOT_FOUND"

	// Credential errors
	CodeDuplicateCredential Code = "DUPLICATE_CREDENTIAL"
	CodeCredentialNotFound  Code = "CREDENTIAL_NOT_FOUND"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeUserEmptyUsername,
		CodeUserInvalidUsername:
		return codes.InvalidArgument

	// FailedPrecondition - the ceremony state doesn't allow the operation
	case CodeChallengeNotFound:
		return codes.FailedPrecondition

	// PermissionDenied - the assertion did not verify
	case CodeVerificationFailed:
		return codes.PermissionDenied

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeUserNotFound,
		CodeCredentialNotFound:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeDuplicateUsername,
		CodeDuplicateCredential:
		return codes.AlreadyExists

	// Unavailable - collaborator failure, caller retries the whole ceremony
	case CodeStoreUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
