package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

// CreateUser hashes the password and inserts the account.
func (s *Store) CreateUser(username, plaintext string, mustChange bool) (*User, error) {
	if username == "" {
		return nil, &gateway.BadRequestError{Field: "username", Detail: "required"}
	}
	if plaintext == "" {
		return nil, &gateway.BadRequestError{Field: "password", Detail: "required"}
	}

	hash, err := crypto.HashPassword(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &User{
		ID:                 uuid.NewString(),
		Username:           username,
		PasswordHash:       hash,
		CreatedAt:          time.Now().UTC(),
		Active:             true,
		MustChangePassword: mustChange,
	}
	err = s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO users (id, username, password_hash, created_at, active, must_change_password)
			 VALUES (?, ?, ?, ?, 1, ?)`,
			u.ID, u.Username, u.PasswordHash, u.CreatedAt, u.MustChangePassword,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating user %q: %w", username, err)
	}
	return u, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(selectUsers+` WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername loads a user by username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(selectUsers+` WHERE username = ?`, username)
	return scanUser(row)
}

// VerifyUserPassword checks the credentials of an active user and records the
// login time. Unknown users, inactive users, and wrong passwords are all
// ErrBadCredentials so the caller cannot probe for account existence.
func (s *Store) VerifyUserPassword(username, plaintext string) (*User, error) {
	u, err := s.GetUserByUsername(username)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, gateway.ErrBadCredentials
	}
	if err := crypto.VerifyPassword(plaintext, u.PasswordHash); err != nil {
		return nil, gateway.ErrBadCredentials
	}

	now := time.Now().UTC()
	err = s.withRetry(func() error {
		_, err := s.db.Exec(`UPDATE users SET last_login = ? WHERE id = ?`, now, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.LastLogin = now
	return u, nil
}

// ChangeUserPassword sets a new password. The old password is required unless
// the account is flagged must-change-password; the flag clears on success.
func (s *Store) ChangeUserPassword(id, oldPassword, newPassword string) error {
	if newPassword == "" {
		return &gateway.BadRequestError{Field: "newPassword", Detail: "required"}
	}

	u, err := s.GetUser(id)
	if err != nil {
		return err
	}
	if !u.MustChangePassword {
		if err := crypto.VerifyPassword(oldPassword, u.PasswordHash); err != nil {
			return gateway.ErrBadCredentials
		}
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE users SET password_hash = ?, must_change_password = 0 WHERE id = ?`, hash, id)
		return err
	})
}

// CountUsers returns the number of user rows.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

const selectUsers = `SELECT id, username, password_hash, created_at, last_login, active, must_change_password FROM users`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &lastLogin, &u.Active, &u.MustChangePassword)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}
