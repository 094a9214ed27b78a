package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/storage"
)

const credentialColumns = "credential_id, user_id, public_key, counter, device_type, backed_up, transports, created_at, updated_at"

func encodeTransports(transports []string) (string, error) {
	if transports == nil {
		transports = []string{}
	}
	encoded, err := json.Marshal(transports)
	if err != nil {
		return "", fmt.Errorf("encode transports: %w", err)
	}
	return string(encoded), nil
}

func scanCredential(row userScanner) (storage.Credential, error) {
	var c storage.Credential
	var backedUp int64
	var transports string
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(&c.ID, &c.UserID, &c.PublicKey, &c.Counter, &c.DeviceType, &backedUp, &transports, &createdAt, &updatedAt); err != nil {
		return storage.Credential{}, err
	}
	c.BackedUp = backedUp != 0
	if transports != "" {
		if err := json.Unmarshal([]byte(transports), &c.Transports); err != nil {
			return storage.Credential{}, fmt.Errorf("decode transports for %s: %w", c.ID, err)
		}
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

func validateCredential(credential storage.Credential) error {
	if strings.TrimSpace(credential.ID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}
	return nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCredential(ctx context.Context, db execContexter, credential storage.Credential) error {
	transports, err := encodeTransports(credential.Transports)
	if err != nil {
		return err
	}
	backedUp := 0
	if credential.BackedUp {
		backedUp = 1
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO credentials (credential_id, user_id, public_key, counter, device_type, backed_up, transports, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credential.ID,
		credential.UserID,
		credential.PublicKey,
		credential.Counter,
		credential.DeviceType,
		backedUp,
		transports,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "credentials.credential_id") {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// CreateCredential inserts a credential record. A duplicate id fails with
// ErrDuplicateCredential and leaves the existing record untouched.
func (s *Store) CreateCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateCredential(credential); err != nil {
		return err
	}
	return insertCredential(ctx, s.sqlDB, credential)
}

// GetCredential fetches a stored credential by its encoded id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE credential_id = ?", credentialID)
	found, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return found, nil
}

// ListCredentialsByUser returns credentials owned by a user.
func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var credentials []storage.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialCounter persists next when the stored counter still equals
// previous. A concurrent writer that already advanced the counter makes the
// update match zero rows, which surfaces as ErrCounterConflict.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, previous, next uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE credentials SET counter = ?, updated_at = ? WHERE credential_id = ? AND counter = ?",
		next, toMillis(nowUTC()), credentialID, previous,
	)
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetCredential(ctx, credentialID); errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrCounterConflict
	}
	return nil
}

// CreateUserWithCredential commits a new user and its first credential in one
// transaction. Either both rows exist afterwards or neither does.
func (s *Store) CreateUserWithCredential(ctx context.Context, u identity.User, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if len(u.Handle) == 0 {
		return fmt.Errorf("binding handle is required")
	}
	if err := validateCredential(credential); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	email := sql.NullString{}
	if u.Email != "" {
		email = sql.NullString{String: u.Email, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO users (id, username, handle, email, encrypted_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Handle, email, u.EncryptedData, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "users.username") {
			return storage.ErrDuplicateUsername
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if err := insertCredential(ctx, tx, credential); err != nil {
		return err
	}
	return tx.Commit()
}
