package identity

import (
	"context"
	"fmt"
	"testing"

	apperrors "github.com/keyfold/keyfold/internal/platform/errors"
)

type fakeUserSource struct {
	users       map[string]User
	credentials map[string]User
	err         error
}

func (s *fakeUserSource) GetUserByUsername(_ context.Context, username string) (User, error) {
	if s.err != nil {
		return User{}, s.err
	}
	found, ok := s.users[username]
	if !ok {
		return User{}, apperrors.New(apperrors.CodeNotFound, "record not found")
	}
	return found, nil
}

func (s *fakeUserSource) GetUserByCredentialID(_ context.Context, credentialID string) (User, error) {
	if s.err != nil {
		return User{}, s.err
	}
	found, ok := s.credentials[credentialID]
	if !ok {
		return User{}, apperrors.New(apperrors.CodeNotFound, "record not found")
	}
	return found, nil
}

func TestResolveRegistrationAnonymous(t *testing.T) {
	resolver := NewResolver(&fakeUserSource{}).WithHandleGenerator(func(length int) ([]byte, error) {
		handle := make([]byte, length)
		for i := range handle {
			handle[i] = byte(i)
		}
		return handle, nil
	})

	registration, err := resolver.ResolveRegistration(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if registration.Mode != ModeAnonymous {
		t.Fatalf("mode = %v, want anonymous", registration.Mode)
	}
	if !registration.Anonymous() {
		t.Fatal("expected anonymous registration")
	}
	if len(registration.Handle) != 32 {
		t.Fatalf("handle length = %d, want 32", len(registration.Handle))
	}
	if registration.DisplayName != AnonymousDisplayName {
		t.Fatalf("display name = %q", registration.DisplayName)
	}
	if registration.Username != "" {
		t.Fatalf("unexpected username %q", registration.Username)
	}
}

func TestResolveRegistrationNamedExisting(t *testing.T) {
	existing := User{ID: "user-1", Username: "bob", Handle: []byte("stored-handle")}
	resolver := NewResolver(&fakeUserSource{users: map[string]User{"bob": existing}})

	registration, err := resolver.ResolveRegistration(context.Background(), " Bob ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if registration.Mode != ModeNamedExisting {
		t.Fatalf("mode = %v, want named-existing", registration.Mode)
	}
	if string(registration.Handle) != "stored-handle" {
		t.Fatalf("handle = %q, want stored handle", registration.Handle)
	}
	if registration.User.ID != "user-1" {
		t.Fatalf("user id = %q", registration.User.ID)
	}
	if registration.DisplayName != "bob" {
		t.Fatalf("display name = %q", registration.DisplayName)
	}
}

func TestResolveRegistrationNamedNew(t *testing.T) {
	resolver := NewResolver(&fakeUserSource{})

	registration, err := resolver.ResolveRegistration(context.Background(), "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if registration.Mode != ModeNamedNew {
		t.Fatalf("mode = %v, want named-new", registration.Mode)
	}
	if string(registration.Handle) != string(NamedHandle("bob")) {
		t.Fatal("expected deterministic handle for new username")
	}

	retry, err := resolver.ResolveRegistration(context.Background(), "bob")
	if err != nil {
		t.Fatalf("resolve retry: %v", err)
	}
	if string(retry.Handle) != string(registration.Handle) {
		t.Fatal("expected handle to be stable across retries")
	}
}

func TestResolveRegistrationInvalidHint(t *testing.T) {
	resolver := NewResolver(&fakeUserSource{})

	if _, err := resolver.ResolveRegistration(context.Background(), "no spaces allowed"); err == nil {
		t.Fatal("expected error for invalid hint")
	}
}

func TestResolveRegistrationStoreFailure(t *testing.T) {
	resolver := NewResolver(&fakeUserSource{err: fmt.Errorf("db down")})

	if _, err := resolver.ResolveRegistration(context.Background(), "bob"); err == nil {
		t.Fatal("expected store failure to propagate")
	}
}

func TestResolveIdentifierByUsername(t *testing.T) {
	existing := User{ID: "user-1", Username: "bob"}
	resolver := NewResolver(&fakeUserSource{users: map[string]User{"bob": existing}})

	found, err := resolver.ResolveIdentifier(context.Background(), " Bob ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if found.ID != "user-1" {
		t.Fatalf("user id = %q, want user-1", found.ID)
	}
}

func TestResolveIdentifierByCredentialID(t *testing.T) {
	existing := User{ID: "user-2", Username: "anon_abcdefgh12345678"}
	resolver := NewResolver(&fakeUserSource{
		credentials: map[string]User{"Y3JlZC0x": existing},
	})

	found, err := resolver.ResolveIdentifier(context.Background(), "Y3JlZC0x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if found.ID != "user-2" {
		t.Fatalf("user id = %q, want user-2", found.ID)
	}
}

func TestResolveIdentifierUnknown(t *testing.T) {
	resolver := NewResolver(&fakeUserSource{})

	_, err := resolver.ResolveIdentifier(context.Background(), "nobody")
	if err == nil {
		t.Fatal("expected error for unknown identifier")
	}
	if apperrors.GetCode(err) != apperrors.CodeUserNotFound {
		t.Fatalf("error code = %s, want %s", apperrors.GetCode(err), apperrors.CodeUserNotFound)
	}
}
