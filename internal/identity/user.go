// Package identity provides user identity management for passkey ceremonies.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/platform/id"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeUserEmptyUsername, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeUserInvalidUsername, "username must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
)

// User represents an identity record bound to one or more passkey credentials.
//
// Handle is the opaque byte string presented to authenticators as the
// WebAuthn user handle. It is independent of the username and never changes
// once the user exists. EncryptedData is an opaque ciphertext blob owned by
// the client; the server stores and returns it without ever decrypting it.
type User struct {
	ID            string
	Username      string
	Handle        []byte
	Email         string
	EncryptedData []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewUserInput describes the metadata needed to create a user.
type NewUserInput struct {
	Username string
	Handle   []byte
}

// ValidateUsername enforces canonical username constraints. Derived anonymous
// usernames satisfy the same constraints as chosen ones.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeUsername trims and lowercases a username hint before validation.
func NormalizeUsername(s string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "", ErrEmptyUsername
	}
	if err := ValidateUsername(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// NamedHandle derives the binding handle for a named user from its username.
// The derivation is deterministic so a retried registration reaches the same
// handle and stays correlated with its pending challenge.
func NamedHandle(username string) []byte {
	return []byte(username)
}

// NewUser creates a durable user identity from validated input.
func NewUser(input NewUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	username, err := NormalizeUsername(input.Username)
	if err != nil {
		return User{}, err
	}
	if len(input.Handle) == 0 {
		return User{}, fmt.Errorf("binding handle is required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Username:  username,
		Handle:    input.Handle,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
