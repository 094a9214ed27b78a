// Package credential manages passkey credential records and their
// counter-based replay protection.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/storage"
)

// ErrNotFound indicates no credential record exists for an id.
var ErrNotFound = apperrors.New(apperrors.CodeCredentialNotFound, "credential not found")

// Manager creates and reads credential records and enforces the signature
// counter monotonicity rule across authentications.
type Manager struct {
	store storage.CredentialStore
}

// NewManager builds a manager over the given credential store.
func NewManager(store storage.CredentialStore) *Manager {
	return &Manager{store: store}
}

// Create inserts a new credential record. Duplicate ids fail and never
// overwrite an existing record.
func (m *Manager) Create(ctx context.Context, record storage.Credential) error {
	if m.store == nil {
		return fmt.Errorf("credential store is not configured")
	}
	return m.store.CreateCredential(ctx, record)
}

// Lookup resolves a credential record by its encoded id.
func (m *Manager) Lookup(ctx context.Context, credentialID string) (storage.Credential, error) {
	if m.store == nil {
		return storage.Credential{}, fmt.Errorf("credential store is not configured")
	}
	record, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Credential{}, ErrNotFound
		}
		return storage.Credential{}, err
	}
	return record, nil
}

// ListForUser returns the credential records owned by a user.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if m.store == nil {
		return nil, fmt.Errorf("credential store is not configured")
	}
	return m.store.ListCredentialsByUser(ctx, userID)
}

// ApplyCounter persists the counter reported by a verified authentication.
//
// A stored nonzero counter must strictly increase: a reported value at or
// below it is a replay signal and fails verification. Authenticators that
// always report zero carry no counter signal and are exempt. The write is a
// compare-and-set against the counter snapshot the verification used, so a
// concurrent authentication that already advanced the counter wins and this
// call fails rather than regressing the stored value.
func (m *Manager) ApplyCounter(ctx context.Context, record storage.Credential, reported uint32) error {
	if m.store == nil {
		return fmt.Errorf("credential store is not configured")
	}
	if record.Counter != 0 && reported <= record.Counter {
		return apperrors.WithMetadata(apperrors.CodeVerificationFailed, "credential counter regressed", map[string]string{
			"stored":   strconv.FormatUint(uint64(record.Counter), 10),
			"reported": strconv.FormatUint(uint64(reported), 10),
		})
	}

	err := m.store.UpdateCredentialCounter(ctx, record.ID, record.Counter, reported)
	if err != nil {
		if errors.Is(err, storage.ErrCounterConflict) {
			return apperrors.Wrap(apperrors.CodeVerificationFailed, "credential counter changed concurrently", err)
		}
		return err
	}
	return nil
}
