// Package storage defines the durable identity-store contract consumed by
// the ceremony coordinator and account service.
package storage

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicateUsername indicates a username uniqueness violation.
var ErrDuplicateUsername = errors.New(errors.CodeDuplicateUsername, "username already exists")

// ErrDuplicateCredential indicates a credential id uniqueness violation.
var ErrDuplicateCredential = errors.New(errors.CodeDuplicateCredential, "credential already exists")

// ErrCounterConflict indicates a concurrent authentication already advanced
// the stored signature counter past the expected value.
var ErrCounterConflict = errors.New(errors.CodeVerificationFailed, "credential counter changed concurrently")

// Device classification reported by the authenticator at registration.
const (
	DeviceTypeSingle = "singleDevice"
	DeviceTypeMulti  = "multiDevice"
)

// Credential stores one passkey bound to a user. ID is the base64url-encoded
// credential id; PublicKey is opaque key material owned by the verifier.
type Credential struct {
	ID         string
	UserID     string
	PublicKey  []byte
	Counter    uint32
	DeviceType string
	BackedUp   bool
	Transports []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserDataUpdate describes a partial user-data write. Nil fields keep the
// stored value.
type UserDataUpdate struct {
	Email         *string
	EncryptedData []byte
}

// UserStore persists user identity records.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (identity.User, error)
	GetUserByID(ctx context.Context, userID string) (identity.User, error)
	GetUserByCredentialID(ctx context.Context, credentialID string) (identity.User, error)
	UpdateUserData(ctx context.Context, userID string, update UserDataUpdate) (identity.User, error)
	// DeleteUser removes a user and cascades to its credentials.
	DeleteUser(ctx context.Context, username string) error
}

// CredentialStore persists passkey credential records.
type CredentialStore interface {
	// CreateCredential inserts a credential; duplicate ids fail with
	// ErrDuplicateCredential and never overwrite.
	CreateCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	// UpdateCredentialCounter persists next only when the stored counter still
	// equals previous; ErrCounterConflict otherwise.
	UpdateCredentialCounter(ctx context.Context, credentialID string, previous, next uint32) error
}

// Statistics contains aggregate counts across identity data.
type Statistics struct {
	UserCount          int64
	AnonymousUserCount int64
	CredentialCount    int64
	MultiDeviceCount   int64
	SingleDeviceCount  int64
}

// Store is the full identity-store collaborator.
type Store interface {
	UserStore
	CredentialStore
	// CreateUserWithCredential commits a new user and its first credential as
	// one atomic unit: a user must never exist without at least one credential
	// as a result of registration.
	CreateUserWithCredential(ctx context.Context, u identity.User, credential Credential) error
	// GetStatistics returns aggregate counts.
	GetStatistics(ctx context.Context) (Statistics, error)
}
