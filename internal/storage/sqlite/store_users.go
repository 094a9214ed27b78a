package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/storage"
)

const userColumns = "id, username, handle, email, encrypted_data, created_at, updated_at"

type userScanner interface {
	Scan(dest ...any) error
}

func scanUser(row userScanner) (identity.User, error) {
	var u identity.User
	var email sql.NullString
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.Handle, &email, &u.EncryptedData, &createdAt, &updatedAt); err != nil {
		return identity.User{}, err
	}
	u.Email = email.String
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// GetUserByUsername fetches a user by its unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(username) == "" {
		return identity.User{}, fmt.Errorf("username is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	found, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, storage.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("get user by username: %w", err)
	}
	return found, nil
}

// GetUserByID fetches a user by its opaque id.
func (s *Store) GetUserByID(ctx context.Context, userID string) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return identity.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID)
	found, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, storage.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return found, nil
}

// GetUserByCredentialID resolves the owner of a credential.
func (s *Store) GetUserByCredentialID(ctx context.Context, credentialID string) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return identity.User{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT u.id, u.username, u.handle, u.email, u.encrypted_data, u.created_at, u.updated_at
FROM users u
JOIN credentials c ON u.id = c.user_id
WHERE c.credential_id = ?`, credentialID)
	found, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, storage.ErrNotFound
		}
		return identity.User{}, fmt.Errorf("get user by credential id: %w", err)
	}
	return found, nil
}

// UpdateUserData applies a partial user-data update. Nil fields keep the
// stored values.
func (s *Store) UpdateUserData(ctx context.Context, userID string, update storage.UserDataUpdate) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return identity.User{}, fmt.Errorf("user id is required")
	}

	email := sql.NullString{}
	if update.Email != nil {
		email = sql.NullString{String: *update.Email, Valid: true}
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE users
SET email = COALESCE(?, email),
    encrypted_data = COALESCE(?, encrypted_data),
    updated_at = ?
WHERE id = ?`, email, update.EncryptedData, toMillis(nowUTC()), userID)
	if err != nil {
		return identity.User{}, fmt.Errorf("update user data: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return identity.User{}, fmt.Errorf("update user data: %w", err)
	}
	if affected == 0 {
		return identity.User{}, storage.ErrNotFound
	}
	return s.GetUserByID(ctx, userID)
}

// DeleteUser removes a user and all credentials it owns.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE user_id IN (SELECT id FROM users WHERE username = ?)", username); err != nil {
		return fmt.Errorf("delete user credentials: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit()
}
