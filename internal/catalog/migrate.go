package catalog

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// baseSchema creates all tables. Safe to run against any existing schema
// state: every statement is IF NOT EXISTS and later migrations only add.
const baseSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	user       TEXT NOT NULL,
	password   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS databases (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	real_name     TEXT NOT NULL,
	alias         TEXT NOT NULL UNIQUE,
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_accessed TIMESTAMP,
	perm_select   INTEGER NOT NULL DEFAULT 1,
	perm_insert   INTEGER NOT NULL DEFAULT 0,
	perm_update   INTEGER NOT NULL DEFAULT 0,
	perm_delete   INTEGER NOT NULL DEFAULT 0,
	perm_create   INTEGER NOT NULL DEFAULT 0,
	perm_alter    INTEGER NOT NULL DEFAULT 0,
	perm_drop     INTEGER NOT NULL DEFAULT 0,
	perm_truncate INTEGER NOT NULL DEFAULT 0,
	UNIQUE(connection_id, real_name)
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_login    TIMESTAMP,
	active        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	secret       TEXT NOT NULL UNIQUE,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at TIMESTAMP,
	active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS request_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key_id  TEXT,
	user_id     TEXT,
	endpoint    TEXT NOT NULL,
	method      TEXT NOT NULL,
	request     TEXT,
	response    TEXT,
	status      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// migration is one forward-only schema change. applies introspects the live
// schema; apply must be idempotent and never drop or narrow a column.
type migration struct {
	name    string
	applies func(tx *sql.Tx) (bool, error)
	apply   string
}

func (s *Store) migrations() []migration {
	return []migration{
		{
			name: "users.must_change_password",
			applies: func(tx *sql.Tx) (bool, error) {
				has, err := columnExists(tx, "users", "must_change_password")
				return !has, err
			},
			apply: `ALTER TABLE users ADD COLUMN must_change_password INTEGER NOT NULL DEFAULT 0`,
		},
		{
			name: "request_logs.created_at index",
			applies: func(tx *sql.Tx) (bool, error) {
				has, err := indexExists(tx, "idx_request_logs_created_at")
				return !has, err
			},
			apply: `CREATE INDEX idx_request_logs_created_at ON request_logs(created_at)`,
		},
		{
			name: "databases.last_accessed index",
			applies: func(tx *sql.Tx) (bool, error) {
				has, err := indexExists(tx, "idx_databases_last_accessed")
				return !has, err
			},
			apply: `CREATE INDEX idx_databases_last_accessed ON databases(last_accessed)`,
		},
	}
}

// migrate creates the schema if absent and applies every migration whose
// precondition holds. Failure here is fatal at startup.
func (s *Store) migrate() error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(baseSchema); err != nil {
			return fmt.Errorf("creating base schema: %w", err)
		}
		for _, m := range s.migrations() {
			needed, err := m.applies(tx)
			if err != nil {
				return fmt.Errorf("checking migration %q: %w", m.name, err)
			}
			if !needed {
				continue
			}
			if _, err := tx.Exec(m.apply); err != nil {
				return fmt.Errorf("applying migration %q: %w", m.name, err)
			}
			slog.Info("applied catalog migration", "name", m.name)
		}
		return nil
	})
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func indexExists(tx *sql.Tx, index string) (bool, error) {
	var name string
	err := tx.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, index).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
