package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testUser(id, username string) identity.User {
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return identity.User{
		ID:        id,
		Username:  username,
		Handle:    []byte("handle-" + id),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testCredential(id, userID string) storage.Credential {
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return storage.Credential{
		ID:         id,
		UserID:     userID,
		PublicKey:  []byte("public-key"),
		Counter:    0,
		DeviceType: storage.DeviceTypeSingle,
		Transports: []string{"internal"},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCloseNilSafe(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestCreateUserWithCredentialRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	byUsername, err := store.GetUserByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if byUsername.ID != "user-1" || string(byUsername.Handle) != "handle-user-1" {
		t.Fatalf("unexpected user %+v", byUsername)
	}

	byCredential, err := store.GetUserByCredentialID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get by credential: %v", err)
	}
	if byCredential.ID != "user-1" {
		t.Fatalf("owner = %q, want user-1", byCredential.ID)
	}

	credential, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if credential.UserID != "user-1" || credential.DeviceType != storage.DeviceTypeSingle {
		t.Fatalf("unexpected credential %+v", credential)
	}
	if len(credential.Transports) != 1 || credential.Transports[0] != "internal" {
		t.Fatalf("transports = %v", credential.Transports)
	}
}

func TestCreateUserWithCredentialDuplicateUsername(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := store.CreateUserWithCredential(ctx, testUser("user-2", "bob"), testCredential("cred-2", "user-2"))
	if !errors.Is(err, storage.ErrDuplicateUsername) {
		t.Fatalf("err = %v, want duplicate username", err)
	}
	if _, err := store.GetCredential(ctx, "cred-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("second credential must not be committed")
	}
}

func TestCreateUserWithCredentialDuplicateCredentialRollsBack(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := store.CreateUserWithCredential(ctx, testUser("user-2", "carol"), testCredential("cred-1", "user-2"))
	if !errors.Is(err, storage.ErrDuplicateCredential) {
		t.Fatalf("err = %v, want duplicate credential", err)
	}
	// The user insert in the failed transaction must not survive.
	if _, err := store.GetUserByUsername(ctx, "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("user row must not exist without its credential")
	}
}

func TestCreateCredentialDuplicate(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.CreateCredential(ctx, testCredential("cred-1", "user-1"))
	if !errors.Is(err, storage.ErrDuplicateCredential) {
		t.Fatalf("err = %v, want duplicate credential", err)
	}
}

func TestListCredentialsByUser(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := testCredential("cred-2", "user-1")
	second.CreatedAt = second.CreatedAt.Add(time.Minute)
	second.UpdatedAt = second.CreatedAt
	if err := store.CreateCredential(ctx, second); err != nil {
		t.Fatalf("add credential: %v", err)
	}

	credentials, err := store.ListCredentialsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(credentials) != 2 {
		t.Fatalf("len = %d, want 2", len(credentials))
	}
	if credentials[0].ID != "cred-1" || credentials[1].ID != "cred-2" {
		t.Fatalf("unexpected order: %s, %s", credentials[0].ID, credentials[1].ID)
	}
}

func TestUpdateCredentialCounterCAS(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.UpdateCredentialCounter(ctx, "cred-1", 0, 5); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := store.UpdateCredentialCounter(ctx, "cred-1", 0, 3)
	if !errors.Is(err, storage.ErrCounterConflict) {
		t.Fatalf("err = %v, want counter conflict", err)
	}

	credential, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if credential.Counter != 5 {
		t.Fatalf("counter = %d, want 5", credential.Counter)
	}
}

func TestUpdateCredentialCounterMissing(t *testing.T) {
	store := openTempStore(t)

	err := store.UpdateCredentialCounter(context.Background(), "missing", 0, 1)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestUpdateUserDataPartial(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	email := "bob@example.com"
	updated, err := store.UpdateUserData(ctx, "user-1", storage.UserDataUpdate{Email: &email})
	if err != nil {
		t.Fatalf("update email: %v", err)
	}
	if updated.Email != email {
		t.Fatalf("email = %q", updated.Email)
	}

	// A blob-only update keeps the stored email.
	updated, err = store.UpdateUserData(ctx, "user-1", storage.UserDataUpdate{EncryptedData: []byte("ciphertext")})
	if err != nil {
		t.Fatalf("update blob: %v", err)
	}
	if updated.Email != email {
		t.Fatalf("email lost on partial update: %q", updated.Email)
	}
	if string(updated.EncryptedData) != "ciphertext" {
		t.Fatalf("encrypted data = %q", updated.EncryptedData)
	}
}

func TestUpdateUserDataMissingUser(t *testing.T) {
	store := openTempStore(t)

	_, err := store.UpdateUserData(context.Background(), "missing", storage.UserDataUpdate{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.DeleteUser(ctx, "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetUserByUsername(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("user should be gone")
	}
	if _, err := store.GetCredential(ctx, "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("owned credential should be gone")
	}
}

func TestDeleteUserMissing(t *testing.T) {
	store := openTempStore(t)

	err := store.DeleteUser(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestGetStatistics(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.CreateUserWithCredential(ctx, testUser("user-1", "bob"), testCredential("cred-1", "user-1")); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	multi := testCredential("cred-2", "user-2")
	multi.DeviceType = storage.DeviceTypeMulti
	multi.BackedUp = true
	if err := store.CreateUserWithCredential(ctx, testUser("user-2", "carol"), multi); err != nil {
		t.Fatalf("create carol: %v", err)
	}

	stats, err := store.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.UserCount != 2 || stats.CredentialCount != 2 {
		t.Fatalf("counts = %+v", stats)
	}
	if stats.MultiDeviceCount != 1 || stats.SingleDeviceCount != 1 {
		t.Fatalf("device split = %+v", stats)
	}
	if stats.AnonymousUserCount != 0 {
		t.Fatalf("anonymous count = %d, want 0", stats.AnonymousUserCount)
	}
}
