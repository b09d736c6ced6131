// Package catalog is the embedded transactional store behind the gateway: it
// owns connections, databases, users, API keys, request logs, and settings in
// a single SQLite file opened in WAL mode.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mysqlgate/mysqlgate/internal/crypto"
)

// StoreFile is the catalog file name inside the data directory.
const StoreFile = "catalog.db"

const (
	busyTimeout   = 5 * time.Second
	retryAttempts = 5
	retryBaseWait = 10 * time.Millisecond
)

// Store is the process-wide catalog handle. All methods are safe for
// concurrent use; writes run in single transactions with busy retry.
type Store struct {
	db       *sql.DB
	keystore *crypto.Keystore
}

// Open opens (creating if needed) the catalog file under dataDir and brings
// the schema up to date.
func Open(dataDir string, keystore *crypto.Keystore) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, StoreFile)

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	// One handle: SQLite serializes writers, and a single connection keeps
	// transaction semantics simple across goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	s := &Store{db: db, keystore: keystore}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return s, nil
}

// Close releases the store handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keystore exposes the password keystore bound to this store.
func (s *Store) Keystore() *crypto.Keystore {
	return s.keystore
}

// withRetry runs fn, retrying with exponential backoff when SQLite reports
// the database busy or locked.
func (s *Store) withRetry(fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		// Jitter avoids two writers retrying in lockstep.
		time.Sleep(wait + time.Duration(rand.Int63n(int64(wait/2)+1)))
		wait *= 2
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// inTx runs fn inside a transaction with busy retry. The whole transaction is
// retried, so fn must be safe to run again after a rollback.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	return s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("catalog rollback failed", "err", rbErr)
			}
			return err
		}
		return tx.Commit()
	})
}
