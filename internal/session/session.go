// Package session resolves which connection and database a caller is bound
// to. It runs in one of two modes: a single process-local context for stdio
// clients, or a map of server-minted sessions for HTTP JSON-RPC clients.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/policy"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

// Session lifetimes.
const (
	SessionTimeout = 30 * time.Minute
	SweepInterval  = 10 * time.Minute
)

// DatabaseContext is the resolved triple a current database stands for, plus
// the bookkeeping the LRU needs.
type DatabaseContext struct {
	Alias        string
	ConnectionID string
	RealName     string
	Permissions  policy.Permissions
	LastAccessed time.Time
}

// Context is one caller's view: its active databases, active connections, and
// current database. Process-local mode has exactly one; HTTP mode has one per
// session id.
type Context struct {
	id           string
	active       map[string]*DatabaseContext
	activeConns  map[string]bool
	current      string
	lastAccessed time.Time
}

// ID returns the session id, or "" for the process-local context.
func (c *Context) ID() string { return c.id }

// Manager owns every Context and drives pool teardown when connections fall
// out of all active sets.
type Manager struct {
	store        *catalog.Store
	pools        *pool.Manager
	processLocal bool

	mu       sync.Mutex
	proc     *Context
	sessions map[string]*Context
	onClose  func(id string)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. In process-local mode the single
// context is primed from the persisted current database alias.
func NewManager(store *catalog.Store, pools *pool.Manager, processLocal bool) *Manager {
	m := &Manager{
		store:        store,
		pools:        pools,
		processLocal: processLocal,
		sessions:     make(map[string]*Context),
		stopCh:       make(chan struct{}),
	}
	if processLocal {
		m.proc = m.newContext("")
		m.primeFromSetting(m.proc)
	} else {
		go m.sweepLoop()
	}
	return m
}

func (m *Manager) newContext(id string) *Context {
	return &Context{
		id:           id,
		active:       make(map[string]*DatabaseContext),
		activeConns:  make(map[string]bool),
		lastAccessed: time.Now(),
	}
}

// primeFromSetting restores the persisted current database, skipping aliases
// that are gone or disabled.
func (m *Manager) primeFromSetting(c *Context) {
	alias, err := m.store.GetSetting(catalog.SettingCurrentDatabaseAlias)
	if err != nil || alias == "" {
		return
	}
	db, err := m.store.GetDatabaseByAlias(alias)
	if err != nil || !db.Enabled {
		return
	}
	c.active[alias] = contextFor(db)
	c.activeConns[db.ConnectionID] = true
	c.current = alias
}

func contextFor(db *catalog.Database) *DatabaseContext {
	return &DatabaseContext{
		Alias:        db.Alias,
		ConnectionID: db.ConnectionID,
		RealName:     db.RealName,
		Permissions:  db.Permissions,
		LastAccessed: time.Now(),
	}
}

// ProcessContext returns the single stdio context. Nil in HTTP mode.
func (m *Manager) ProcessContext() *Context {
	return m.proc
}

// GetOrCreateSession returns the session for id, minting a fresh id when the
// caller presents none. The new session's current database is primed from the
// persisted setting.
func (m *Manager) GetOrCreateSession(id string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if c, ok := m.sessions[id]; ok {
			c.lastAccessed = time.Now()
			return c
		}
	}
	c := m.newContext(uuid.NewString())
	m.primeFromSetting(c)
	m.sessions[c.id] = c
	slog.Info("session created", "session", c.id)
	return c
}

// GetSession returns an existing session or ErrSessionClosed.
func (m *Manager) GetSession(id string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.sessions[id]
	if !ok {
		return nil, gateway.ErrSessionClosed
	}
	c.lastAccessed = time.Now()
	return c, nil
}

// OnSessionClose registers a hook invoked whenever a session is dropped,
// whether by an explicit close or the idle sweeper. Transports use it to
// release per-session state they hold.
func (m *Manager) OnSessionClose(fn func(id string)) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// CloseSession drops a session and releases the pools only it referenced.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	var orphans []string
	if ok {
		orphans = m.orphanedConnsLocked(c)
	}
	onClose := m.onClose
	m.mu.Unlock()

	for _, connID := range orphans {
		m.pools.ClosePool(connID)
	}
	if ok {
		if onClose != nil {
			onClose(id)
		}
		slog.Info("session closed", "session", id)
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActivateDatabase adds an alias to the context's active set, evicting the
// least recently used entry when the cap is reached. Activating an alias that
// is already active only advances its recency.
func (m *Manager) ActivateDatabase(c *Context, alias string) (*DatabaseContext, error) {
	now := time.Now()

	m.mu.Lock()
	c.lastAccessed = now

	if dc, ok := c.active[alias]; ok {
		dc.LastAccessed = now
		m.mu.Unlock()
		return dc, m.store.TouchDatabase(alias, now)
	}
	m.mu.Unlock()

	// Catalog lookups and setting reads happen outside the lock.
	db, err := m.store.GetDatabaseByAlias(alias)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", alias, err)
	}
	if !db.Enabled {
		return nil, fmt.Errorf("database %q: %w", alias, gateway.ErrNotFound)
	}
	maxDatabases := m.store.IntSetting(catalog.SettingMaxActiveDatabases, catalog.DefaultMaxActiveDatabases)
	maxConns := m.store.IntSetting(catalog.SettingMaxActiveConnections, catalog.DefaultMaxActiveConnections)

	m.mu.Lock()
	if dc, ok := c.active[alias]; ok {
		// Another request on this context won the race.
		dc.LastAccessed = now
		m.mu.Unlock()
		return dc, m.store.TouchDatabase(alias, now)
	}

	if len(c.active) >= maxDatabases {
		m.evictLRULocked(c)
	}

	dc := contextFor(db)
	dc.LastAccessed = now
	c.active[alias] = dc
	c.activeConns[db.ConnectionID] = true

	if len(c.activeConns) > maxConns {
		m.pruneConnectionsLocked(c)
	}
	m.mu.Unlock()

	return dc, m.store.TouchDatabase(alias, now)
}

// evictLRULocked removes the least recently used non-current entry: oldest
// lastAccessed first, alphabetically first alias on ties. When only the
// current database is active there is nothing safe to evict; warn and skip.
func (m *Manager) evictLRULocked(c *Context) {
	var victim *DatabaseContext
	for alias, dc := range c.active {
		if alias == c.current {
			continue
		}
		if victim == nil ||
			dc.LastAccessed.Before(victim.LastAccessed) ||
			(dc.LastAccessed.Equal(victim.LastAccessed) && alias < victim.Alias) {
			victim = dc
		}
	}
	if victim == nil {
		slog.Warn("active database cap reached but only the current database is active; skipping eviction",
			"session", c.id, "current", c.current)
		return
	}

	delete(c.active, victim.Alias)
	if !connReferencedLocked(c, victim.ConnectionID) {
		delete(c.activeConns, victim.ConnectionID)
		m.maybeClosePoolLocked(victim.ConnectionID)
	}
	slog.Debug("evicted database from active set", "session", c.id, "alias", victim.Alias)
}

// pruneConnectionsLocked drops connection ids no active database references
// and closes their pools when no other context references them either.
func (m *Manager) pruneConnectionsLocked(c *Context) {
	for connID := range c.activeConns {
		if connReferencedLocked(c, connID) {
			continue
		}
		delete(c.activeConns, connID)
		m.maybeClosePoolLocked(connID)
	}
}

func connReferencedLocked(c *Context, connID string) bool {
	for _, dc := range c.active {
		if dc.ConnectionID == connID {
			return true
		}
	}
	return false
}

// maybeClosePoolLocked closes a pool unless some context still references the
// connection through an active database.
func (m *Manager) maybeClosePoolLocked(connID string) {
	if m.proc != nil && connReferencedLocked(m.proc, connID) {
		return
	}
	for _, s := range m.sessions {
		if connReferencedLocked(s, connID) {
			return
		}
	}
	m.pools.ClosePool(connID)
}

// DeactivateDatabase removes an alias from the active set.
func (m *Manager) DeactivateDatabase(c *Context, alias string) {
	m.mu.Lock()
	dc, ok := c.active[alias]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(c.active, alias)
	if c.current == alias {
		c.current = ""
	}
	if !connReferencedLocked(c, dc.ConnectionID) {
		delete(c.activeConns, dc.ConnectionID)
		m.maybeClosePoolLocked(dc.ConnectionID)
	}
	m.mu.Unlock()
}

// SetCurrentDatabase marks an active alias current. Only the process-local
// context persists the choice; HTTP sessions are ephemeral.
func (m *Manager) SetCurrentDatabase(c *Context, alias string) error {
	m.mu.Lock()
	if _, ok := c.active[alias]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("database %q is not active: %w", alias, gateway.ErrNotFound)
	}
	c.current = alias
	persist := m.processLocal && c == m.proc
	m.mu.Unlock()

	if persist {
		return m.store.SetSetting(catalog.SettingCurrentDatabaseAlias, alias)
	}
	return nil
}

// CurrentDatabase returns the caller's current database context, or nil.
func (m *Manager) CurrentDatabase(c *Context) *DatabaseContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.current == "" {
		return nil
	}
	return c.active[c.current]
}

// ActiveDatabases returns the active set ordered by alias.
func (m *Manager) ActiveDatabases(c *Context) []*DatabaseContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*DatabaseContext, 0, len(c.active))
	for _, dc := range c.active {
		out = append(out, dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// IsActive reports whether an alias is in the context's active set.
func (m *Manager) IsActive(c *Context, alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := c.active[alias]
	return ok
}

// orphanedConnsLocked lists the dropped context's connections that no
// surviving context references.
func (m *Manager) orphanedConnsLocked(dropped *Context) []string {
	var orphans []string
	for connID := range dropped.activeConns {
		referenced := m.proc != nil && connReferencedLocked(m.proc, connID)
		for _, s := range m.sessions {
			if referenced {
				break
			}
			referenced = connReferencedLocked(s, connID)
		}
		if !referenced {
			orphans = append(orphans, connID)
		}
	}
	return orphans
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Sweep drops every session idle longer than SessionTimeout as of now.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for id, c := range m.sessions {
		if now.Sub(c.lastAccessed) > SessionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.CloseSession(id)
		slog.Info("swept idle session", "session", id)
	}
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
