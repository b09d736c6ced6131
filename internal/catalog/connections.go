package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

// CreateConnection seals the password and inserts the connection atomically.
// The first connection ever created also becomes the current one.
func (s *Store) CreateConnection(name, host string, port int, user, password string) (*Connection, error) {
	if name == "" {
		return nil, &gateway.BadRequestError{Field: "name", Detail: "required"}
	}
	if host == "" {
		return nil, &gateway.BadRequestError{Field: "host", Detail: "required"}
	}
	if port < 1 || port > 65535 {
		return nil, &gateway.BadRequestError{Field: "port", Detail: "must be 1-65535"}
	}
	if user == "" {
		return nil, &gateway.BadRequestError{Field: "user", Detail: "required"}
	}

	sealed, err := s.keystore.Seal(password)
	if err != nil {
		return nil, fmt.Errorf("sealing password: %w", err)
	}

	conn := &Connection{
		ID:             uuid.NewString(),
		Name:           name,
		Host:           host,
		Port:           port,
		User:           user,
		SealedPassword: sealed,
		CreatedAt:      time.Now().UTC(),
	}

	err = s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO connections (id, name, host, port, user, password, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conn.ID, conn.Name, conn.Host, conn.Port, conn.User, conn.SealedPassword, conn.CreatedAt,
		); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM connections`).Scan(&count); err != nil {
			return err
		}
		if count == 1 {
			if _, err := tx.Exec(
				`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				SettingCurrentConnectionID, conn.ID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}
	return conn, nil
}

// UpdateConnection applies non-zero fields. A new password is re-sealed under
// the current master key.
func (s *Store) UpdateConnection(id string, name, host string, port int, user, password string) (*Connection, error) {
	existing, err := s.GetConnection(id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		existing.Name = name
	}
	if host != "" {
		existing.Host = host
	}
	if port != 0 {
		if port < 1 || port > 65535 {
			return nil, &gateway.BadRequestError{Field: "port", Detail: "must be 1-65535"}
		}
		existing.Port = port
	}
	if user != "" {
		existing.User = user
	}
	if password != "" {
		sealed, err := s.keystore.Seal(password)
		if err != nil {
			return nil, fmt.Errorf("sealing password: %w", err)
		}
		existing.SealedPassword = sealed
	}

	err = s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE connections SET name = ?, host = ?, port = ?, user = ?, password = ? WHERE id = ?`,
			existing.Name, existing.Host, existing.Port, existing.User, existing.SealedPassword, id,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return gateway.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// DeleteConnection removes a connection; databases cascade via foreign key.
func (s *Store) DeleteConnection(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM connections WHERE id = ?`, id)
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

// GetConnection loads one connection by id.
func (s *Store) GetConnection(id string) (*Connection, error) {
	row := s.db.QueryRow(
		`SELECT id, name, host, port, user, password, created_at FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnections returns all connections ordered by creation time.
func (s *Store) ListConnections() ([]*Connection, error) {
	rows, err := s.db.Query(
		`SELECT id, name, host, port, user, password, created_at FROM connections ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// ConnectionPassword decrypts the stored password for a connection.
func (s *Store) ConnectionPassword(id string) (string, error) {
	c, err := s.GetConnection(id)
	if err != nil {
		return "", err
	}
	return s.keystore.Open(c.SealedPassword)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.Name, &c.Host, &c.Port, &c.User, &c.SealedPassword, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
