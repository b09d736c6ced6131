package catalog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlgate/mysqlgate/internal/crypto"
)

// Bootstrap seeds the store on first startup: an admin/admin user flagged
// must-change-password iff no users exist, and a default API key iff no keys
// exist. Both checks and inserts run in one transaction so two processes
// racing to initialize the same file cannot produce duplicates. The generated
// key secret is emitted once on stderr and never shown again.
func (s *Store) Bootstrap() error {
	adminHash, err := crypto.HashPassword("admin")
	if err != nil {
		return fmt.Errorf("hashing bootstrap password: %w", err)
	}
	keySecret, err := crypto.NewToken()
	if err != nil {
		return err
	}

	var createdUser, createdKey bool
	err = s.inTx(func(tx *sql.Tx) error {
		createdUser, createdKey = false, false
		now := time.Now().UTC()

		var users int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
			return err
		}
		if users == 0 {
			if _, err := tx.Exec(
				`INSERT INTO users (id, username, password_hash, created_at, active, must_change_password)
				 VALUES (?, 'admin', ?, ?, 1, 1)`,
				uuid.NewString(), adminHash, now,
			); err != nil {
				return err
			}
			createdUser = true
		}

		var keys int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&keys); err != nil {
			return err
		}
		if keys == 0 {
			if _, err := tx.Exec(
				`INSERT INTO api_keys (id, name, secret, created_at, active) VALUES (?, 'default', ?, ?, 1)`,
				uuid.NewString(), keySecret, now,
			); err != nil {
				return err
			}
			createdKey = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bootstrapping catalog: %w", err)
	}

	if createdUser {
		slog.Info("created bootstrap admin user", "username", "admin", "mustChangePassword", true)
	}
	if createdKey {
		fmt.Fprintf(os.Stderr, "Generated default API key (shown once): %s\n", keySecret)
	}
	return nil
}

// ReencryptPasswords rewrites every stored connection password under the
// keystore produced by a key rotation.
func (s *Store) ReencryptPasswords(next *crypto.Keystore) error {
	conns, err := s.ListConnections()
	if err != nil {
		return err
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, c := range conns {
			plaintext, err := s.keystore.Open(c.SealedPassword)
			if err != nil {
				return fmt.Errorf("decrypting password for connection %s: %w", c.ID, err)
			}
			sealed, err := next.Seal(plaintext)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE connections SET password = ? WHERE id = ?`, sealed, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
}
