// Package pool owns the outbound MySQL connection pools, one per catalog
// connection, created lazily and torn down when the session layer stops
// referencing them.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

const (
	// connectionLimit caps each outbound pool.
	connectionLimit = 10
	probeTimeout    = 5 * time.Second
	dialTimeout     = 10 * time.Second
)

// Stats describes one pool for metrics and the REST surface.
type Stats struct {
	ConnectionID string `json:"connectionId"`
	Open         int    `json:"open"`
	InUse        int    `json:"inUse"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"waitCount"`
}

// Manager maps catalog connection ids to live pools.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	store *catalog.Store
}

// NewManager creates a pool manager backed by the catalog.
func NewManager(store *catalog.Store) *Manager {
	return &Manager{
		pools: make(map[string]*sql.DB),
		store: store,
	}
}

// GetPool returns the pool for a connection, creating it on first use. A new
// pool is probed with a single acquisition before it is published; a failed
// probe destroys the pool and leaves no entry behind.
func (m *Manager) GetPool(ctx context.Context, connID string) (*sql.DB, error) {
	m.mu.Lock()
	if db, ok := m.pools[connID]; ok {
		m.mu.Unlock()
		return db, nil
	}
	m.mu.Unlock()

	// Build outside the lock: decryption and the probe round-trip are slow.
	db, err := m.open(ctx, connID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pools[connID]; ok {
		// Lost the race; keep the first pool.
		db.Close()
		return existing, nil
	}
	m.pools[connID] = db
	return db, nil
}

func (m *Manager) open(ctx context.Context, connID string) (*sql.DB, error) {
	conn, err := m.store.GetConnection(connID)
	if err != nil {
		return nil, err
	}
	password, err := m.store.Keystore().Open(conn.SealedPassword)
	if err != nil {
		return nil, err
	}

	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	cfg.Timeout = dialTimeout
	cfg.ParseTime = true
	cfg.MultiStatements = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("building connector for %s: %w", conn.Name, err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(connectionLimit)
	db.SetConnMaxIdleTime(5 * time.Minute)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s (%v)", gateway.ErrConnectionRefused, conn.Name, err)
	}

	slog.Info("created outbound pool", "connection", conn.Name, "addr", cfg.Addr, "limit", connectionLimit)
	return db, nil
}

// RecreatePool drops any existing pool for the connection and builds a fresh
// one, re-reading credentials from the catalog.
func (m *Manager) RecreatePool(ctx context.Context, connID string) (*sql.DB, error) {
	m.ClosePool(connID)
	return m.GetPool(ctx, connID)
}

// ClosePool tears down one pool. Unknown ids are a no-op.
func (m *Manager) ClosePool(connID string) {
	m.mu.Lock()
	db, ok := m.pools[connID]
	delete(m.pools, connID)
	m.mu.Unlock()

	if ok {
		db.Close()
		slog.Info("closed outbound pool", "connection", connID)
	}
}

// Has reports whether a live pool exists for the connection.
func (m *Manager) Has(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[connID]
	return ok
}

// AllStats snapshots every live pool.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]Stats, 0, len(m.pools))
	for id, db := range m.pools {
		s := db.Stats()
		stats = append(stats, Stats{
			ConnectionID: id,
			Open:         s.OpenConnections,
			InUse:        s.InUse,
			Idle:         s.Idle,
			WaitCount:    s.WaitCount,
		})
	}
	return stats
}

// CloseAll shuts down every pool; used at process teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*sql.DB)
	m.mu.Unlock()

	for id, db := range pools {
		db.Close()
		slog.Debug("closed outbound pool", "connection", id)
	}
}

// Probe opens a one-off connection with the given parameters and pings it.
// Used by the REST test endpoint and the health checker; no pool is kept.
func Probe(ctx context.Context, host string, port int, user, password string) error {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.Timeout = probeTimeout

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrConnectionRefused, err)
	}
	return nil
}
