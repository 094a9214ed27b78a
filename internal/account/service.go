// Package account manages stored user data outside the ceremony flow:
// opaque encrypted payloads, cleartext metadata, deletion, and
// aggregate statistics.
package account

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/identity"
	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/storage"
)

// UserData is the stored payload returned to clients. EncryptedData is
// opaque ciphertext the server never inspects.
type UserData struct {
	Username      string
	Email         string
	EncryptedData []byte
	UpdatedAt     time.Time
}

// Service resolves identifiers to users and manages their stored data.
type Service struct {
	store    storage.Store
	resolver *identity.Resolver
}

// NewService builds an account service over the given store.
func NewService(store storage.Store) *Service {
	return &Service{
		store:    store,
		resolver: identity.NewResolver(store),
	}
}

func (s *Service) resolve(ctx context.Context, identifier string) (identity.User, error) {
	if s.store == nil {
		return identity.User{}, apperrors.New(apperrors.CodeStoreUnavailable, "store is not configured")
	}
	return s.resolver.ResolveIdentifier(ctx, identifier)
}

// StoreUserData updates a user's stored data. Fields left unset in the
// update keep their current values, so callers can send only what
// changed.
func (s *Service) StoreUserData(ctx context.Context, identifier string, update storage.UserDataUpdate) (UserData, error) {
	found, err := s.resolve(ctx, identifier)
	if err != nil {
		return UserData{}, err
	}
	updated, err := s.store.UpdateUserData(ctx, found.ID, update)
	if err != nil {
		return UserData{}, err
	}
	return userData(updated), nil
}

// FetchUserData returns a user's stored data.
func (s *Service) FetchUserData(ctx context.Context, identifier string) (UserData, error) {
	found, err := s.resolve(ctx, identifier)
	if err != nil {
		return UserData{}, err
	}
	return userData(found), nil
}

// DeleteUser removes a user and all of its credentials.
func (s *Service) DeleteUser(ctx context.Context, identifier string) error {
	found, err := s.resolve(ctx, identifier)
	if err != nil {
		return err
	}
	return s.store.DeleteUser(ctx, found.Username)
}

// Statistics returns aggregate user and credential counts.
func (s *Service) Statistics(ctx context.Context) (storage.Statistics, error) {
	if s.store == nil {
		return storage.Statistics{}, apperrors.New(apperrors.CodeStoreUnavailable, "store is not configured")
	}
	return s.store.GetStatistics(ctx)
}

func userData(u identity.User) UserData {
	return UserData{
		Username:      u.Username,
		Email:         u.Email,
		EncryptedData: u.EncryptedData,
		UpdatedAt:     u.UpdatedAt,
	}
}
