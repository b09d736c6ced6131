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

// CreateApiKey mints a new key. The secret appears only in the returned
// record; afterwards callers see the preview form.
func (s *Store) CreateApiKey(name string) (*APIKey, error) {
	if name == "" {
		return nil, &gateway.BadRequestError{Field: "name", Detail: "required"}
	}

	secret, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}

	k := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	err = s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO api_keys (id, name, secret, created_at, active) VALUES (?, ?, ?, ?, 1)`,
			k.ID, k.Name, k.Secret, k.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating api key %q: %w", name, err)
	}
	return k, nil
}

// ListApiKeys returns all keys with non-invertible previews in place of the
// secrets.
func (s *Store) ListApiKeys() ([]*APIKey, error) {
	rows, err := s.db.Query(
		`SELECT id, name, secret, created_at, last_used_at, active FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		k.Preview = previewSecret(k.Secret)
		k.Secret = ""
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VerifyApiKey matches a presented secret against the active keys in constant
// time and advances last_used_at on the match.
func (s *Store) VerifyApiKey(secret string) (*APIKey, error) {
	if secret == "" {
		return nil, gateway.ErrUnauthenticated
	}

	rows, err := s.db.Query(
		`SELECT id, name, secret, created_at, last_used_at, active FROM api_keys WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var match *APIKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		if crypto.SecretsEqual(secret, k.Secret) {
			match = k
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if match == nil {
		return nil, gateway.ErrUnauthenticated
	}

	now := time.Now().UTC()
	err = s.withRetry(func() error {
		_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, match.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	match.LastUsedAt = now
	match.Secret = ""
	return match, nil
}

// RevokeApiKey deactivates a key without deleting its row.
func (s *Store) RevokeApiKey(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE api_keys SET active = 0 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return gateway.ErrNotFound
		}
		return nil
	})
}

// DeleteApiKey removes a key, refusing to remove the only active one so the
// tool surface can never be locked out entirely.
func (s *Store) DeleteApiKey(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var active, targetActive int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE active = 1`).Scan(&active); err != nil {
			return err
		}
		err := tx.QueryRow(`SELECT active FROM api_keys WHERE id = ?`, id).Scan(&targetActive)
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.ErrNotFound
		}
		if err != nil {
			return err
		}
		if targetActive == 1 && active <= 1 {
			return gateway.ErrLastActiveKey
		}
		_, err = tx.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
		return err
	})
}

// CountApiKeys returns the number of key rows.
func (s *Store) CountApiKeys() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// previewSecret renders first8…last8, which cannot be inverted into the
// 43-char secret.
func previewSecret(secret string) string {
	if len(secret) <= 16 {
		return secret
	}
	return secret[:8] + "…" + secret[len(secret)-8:]
}

func scanApiKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.Name, &k.Secret, &k.CreatedAt, &lastUsed, &k.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return &k, nil
}
