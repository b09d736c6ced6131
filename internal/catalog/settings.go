package catalog

import (
	"database/sql"
	"errors"
	"strconv"
)

// GetSetting returns the value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
}

// DeleteSetting removes a key. Missing keys are not an error.
func (s *Store) DeleteSetting(key string) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
		return err
	})
}

// IntSetting reads an integer setting, falling back when unset or malformed.
func (s *Store) IntSetting(key string, fallback int) int {
	v, err := s.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// BoolSetting reads a boolean setting, falling back when unset.
func (s *Store) BoolSetting(key string, fallback bool) bool {
	v, err := s.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

// AllSettings returns the whole settings table.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
