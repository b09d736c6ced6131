package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/policy"
)

// aliasPattern is the alias grammar: 1-64 chars of [A-Za-z0-9_-], not
// starting with a digit.
var aliasPattern = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]{0,63}$`)

// systemSchemas are never surfaced by discovery.
var systemSchemas = map[string]bool{
	"mysql":              true,
	"information_schema": true,
	"performance_schema": true,
	"sys":                true,
}

// IsSystemSchema reports whether a MySQL schema name is one of the four
// server-internal schemas skipped by discovery.
func IsSystemSchema(name string) bool {
	return systemSchemas[strings.ToLower(name)]
}

// ValidAlias reports whether the alias satisfies the grammar.
func ValidAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// sanitizeAlias coerces a real schema name into the alias grammar: disallowed
// characters become underscores and a leading digit gets one prepended.
func sanitizeAlias(realName string) string {
	var b strings.Builder
	for _, r := range realName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	alias := b.String()
	if alias == "" {
		alias = "db"
	}
	if alias[0] >= '0' && alias[0] <= '9' {
		alias = "_" + alias
	}
	if len(alias) > 64 {
		alias = alias[:64]
	}
	return alias
}

// AddDiscoveredDatabases inserts any realNames not yet cataloged for the
// connection, generating a unique alias for each, and returns the aliases of
// the newly added rows. Already-known names are left untouched. New entries
// get default permissions (select only).
func (s *Store) AddDiscoveredDatabases(connID string, realNames []string) ([]string, error) {
	if _, err := s.GetConnection(connID); err != nil {
		return nil, err
	}

	var added []string
	err := s.inTx(func(tx *sql.Tx) error {
		added = added[:0] // the whole tx may retry
		for _, realName := range realNames {
			if IsSystemSchema(realName) {
				continue
			}

			var exists int
			err := tx.QueryRow(
				`SELECT COUNT(*) FROM databases WHERE connection_id = ? AND real_name = ?`,
				connID, realName,
			).Scan(&exists)
			if err != nil {
				return err
			}
			if exists > 0 {
				continue
			}

			alias, err := nextFreeAlias(tx, sanitizeAlias(realName))
			if err != nil {
				return err
			}

			perms := policy.DefaultPermissions()
			if _, err := tx.Exec(
				`INSERT INTO databases (id, connection_id, real_name, alias, enabled, last_accessed, perm_select)
				 VALUES (?, ?, ?, ?, 1, ?, ?)`,
				uuid.NewString(), connID, realName, alias, time.Now().UTC(), perms.Select,
			); err != nil {
				return err
			}
			added = append(added, alias)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adding discovered databases: %w", err)
	}
	return added, nil
}

// nextFreeAlias appends _2, _3, ... to base until no catalog row claims it.
func nextFreeAlias(tx *sql.Tx, base string) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM databases WHERE alias = ?`, candidate).Scan(&count); err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		suffix := fmt.Sprintf("_%d", n)
		candidate = base
		if len(candidate)+len(suffix) > 64 {
			candidate = candidate[:64-len(suffix)]
		}
		candidate += suffix
	}
}

// ListDatabases returns every catalog database, enabled or not, ordered by
// alias. The tool surface filters to enabled entries; REST sees everything.
func (s *Store) ListDatabases() ([]*Database, error) {
	rows, err := s.db.Query(selectDatabases + ` ORDER BY alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDatabases(rows)
}

// ListDatabasesForConnection returns the databases of one connection.
func (s *Store) ListDatabasesForConnection(connID string) ([]*Database, error) {
	rows, err := s.db.Query(selectDatabases+` WHERE connection_id = ? ORDER BY alias`, connID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDatabases(rows)
}

// GetDatabaseByAlias loads one database by its alias.
func (s *Store) GetDatabaseByAlias(alias string) (*Database, error) {
	row := s.db.QueryRow(selectDatabases+` WHERE alias = ?`, alias)
	return scanDatabase(row)
}

// SetDatabaseEnabled flips the enabled flag.
func (s *Store) SetDatabaseEnabled(alias string, enabled bool) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE databases SET enabled = ? WHERE alias = ?`, enabled, alias)
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

// UpdatePermissions replaces a database's permission bitmap.
func (s *Store) UpdatePermissions(alias string, perms policy.Permissions) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE databases SET perm_select = ?, perm_insert = ?, perm_update = ?, perm_delete = ?,
				perm_create = ?, perm_alter = ?, perm_drop = ?, perm_truncate = ? WHERE alias = ?`,
			perms.Select, perms.Insert, perms.Update, perms.Delete,
			perms.Create, perms.Alter, perms.Drop, perms.Truncate, alias,
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
}

// RenameAlias changes a database's alias. Grammar is checked before
// uniqueness, so a malformed name reports as invalid even when taken.
func (s *Store) RenameAlias(alias, newAlias string) error {
	if !ValidAlias(newAlias) {
		return &gateway.AliasError{Alias: newAlias}
	}
	return s.inTx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM databases WHERE alias = ?`, newAlias).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return &gateway.AliasError{Alias: newAlias, Conflict: true}
		}
		res, err := tx.Exec(`UPDATE databases SET alias = ? WHERE alias = ?`, newAlias, alias)
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

// TouchDatabase advances a database's last_accessed timestamp. The timestamp
// survives session eviction: it lives in the catalog, not in the session.
func (s *Store) TouchDatabase(alias string, at time.Time) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`UPDATE databases SET last_accessed = ? WHERE alias = ?`, at.UTC(), alias)
		return err
	})
}

const selectDatabases = `SELECT id, connection_id, real_name, alias, enabled, last_accessed,
	perm_select, perm_insert, perm_update, perm_delete, perm_create, perm_alter, perm_drop, perm_truncate
	FROM databases`

func scanDatabase(row rowScanner) (*Database, error) {
	var d Database
	var lastAccessed sql.NullTime
	err := row.Scan(
		&d.ID, &d.ConnectionID, &d.RealName, &d.Alias, &d.Enabled, &lastAccessed,
		&d.Permissions.Select, &d.Permissions.Insert, &d.Permissions.Update, &d.Permissions.Delete,
		&d.Permissions.Create, &d.Permissions.Alter, &d.Permissions.Drop, &d.Permissions.Truncate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		d.LastAccessed = lastAccessed.Time
	}
	return &d, nil
}

func collectDatabases(rows *sql.Rows) ([]*Database, error) {
	var dbs []*Database
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, d)
	}
	return dbs, rows.Err()
}
