package identity

import (
	"context"
	"crypto/rand"
	"fmt"

	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
)

// anonymousHandleLength is the size of the random binding handle generated
// for anonymous registrations.
const anonymousHandleLength = 32

// AnonymousDisplayName is shown by authenticators for identities that have
// no chosen username yet.
const AnonymousDisplayName = "Anonymous User"

// RegistrationMode classifies how a registration ceremony binds an identity.
// It is resolved once when the ceremony begins and carried through completion.
type RegistrationMode int

const (
	// ModeAnonymous registers a credential with no username hint; the
	// identity is derived from the credential id at completion.
	ModeAnonymous RegistrationMode = iota
	// ModeNamedNew registers the first credential for a new username.
	ModeNamedNew
	// ModeNamedExisting adds a credential to an existing user.
	ModeNamedExisting
)

// Registration describes the identity binding for one registration ceremony.
type Registration struct {
	Mode        RegistrationMode
	Username    string // empty for ModeAnonymous
	Handle      []byte
	DisplayName string
	User        User // populated for ModeNamedExisting
}

// Anonymous reports whether the registration has no username hint.
func (r Registration) Anonymous() bool {
	return r.Mode == ModeAnonymous
}

// UserSource resolves stored users for identity decisions.
type UserSource interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByCredentialID(ctx context.Context, credentialID string) (User, error)
}

// Resolver maps identity hints to registration bindings.
type Resolver struct {
	users           UserSource
	handleGenerator func(length int) ([]byte, error)
}

// NewResolver builds a resolver over the given user source.
func NewResolver(users UserSource) *Resolver {
	return &Resolver{
		users:           users,
		handleGenerator: randomHandle,
	}
}

// WithHandleGenerator overrides random handle generation, for tests.
func (r *Resolver) WithHandleGenerator(generator func(length int) ([]byte, error)) *Resolver {
	r.handleGenerator = generator
	return r
}

// ResolveRegistration classifies a registration hint into one of the three
// ceremony modes. An empty hint yields an anonymous registration with a
// fresh random handle; a hint naming an existing user reuses that user's
// stored handle; otherwise the handle derives from the username so retries
// stay stable.
func (r *Resolver) ResolveRegistration(ctx context.Context, hint string) (Registration, error) {
	if hint == "" {
		handle, err := r.handleGenerator(anonymousHandleLength)
		if err != nil {
			return Registration{}, fmt.Errorf("generate binding handle: %w", err)
		}
		return Registration{
			Mode:        ModeAnonymous,
			Handle:      handle,
			DisplayName: AnonymousDisplayName,
		}, nil
	}

	username, err := NormalizeUsername(hint)
	if err != nil {
		return Registration{}, err
	}

	if r.users == nil {
		return Registration{}, fmt.Errorf("user source is not configured")
	}
	existing, err := r.users.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		return Registration{
			Mode:        ModeNamedExisting,
			Username:    username,
			Handle:      existing.Handle,
			DisplayName: username,
			User:        existing,
		}, nil
	case apperrors.GetCode(err) == apperrors.CodeNotFound:
		return Registration{
			Mode:        ModeNamedNew,
			Username:    username,
			Handle:      NamedHandle(username),
			DisplayName: username,
		}, nil
	default:
		return Registration{}, fmt.Errorf("resolve username %q: %w", username, err)
	}
}

// ResolveIdentifier maps a stored-identity identifier to its user record.
// The identifier is a username, or a credential id for identities that
// never chose one.
func (r *Resolver) ResolveIdentifier(ctx context.Context, identifier string) (User, error) {
	if r.users == nil {
		return User{}, fmt.Errorf("user source is not configured")
	}

	if username, err := NormalizeUsername(identifier); err == nil {
		found, err := r.users.GetUserByUsername(ctx, username)
		if err == nil {
			return found, nil
		}
		if apperrors.GetCode(err) != apperrors.CodeNotFound {
			return User{}, fmt.Errorf("resolve username %q: %w", username, err)
		}
	}

	found, err := r.users.GetUserByCredentialID(ctx, identifier)
	switch {
	case err == nil:
		return found, nil
	case apperrors.GetCode(err) == apperrors.CodeNotFound:
		return User{}, apperrors.New(apperrors.CodeUserNotFound, "user not found")
	default:
		return User{}, fmt.Errorf("resolve credential id: %w", err)
	}
}

func randomHandle(length int) ([]byte, error) {
	handle := make([]byte, length)
	if _, err := rand.Read(handle); err != nil {
		return nil, err
	}
	return handle, nil
}
