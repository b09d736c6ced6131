package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

func newFixture(t *testing.T, aliases ...string) (*catalog.Store, *pool.Manager) {
	t.Helper()
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	require.NoError(t, err)
	store, err := catalog.Open(dir, ks)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := store.CreateConnection("c1", "localhost", 3306, "root", "pw")
	require.NoError(t, err)
	if len(aliases) > 0 {
		added, err := store.AddDiscoveredDatabases(conn.ID, aliases)
		require.NoError(t, err)
		require.Len(t, added, len(aliases))
	}

	pm := pool.NewManager(store)
	t.Cleanup(pm.CloseAll)
	return store, pm
}

func TestActivateIsIdempotent(t *testing.T) {
	store, pm := newFixture(t, "app")
	m := NewManager(store, pm, false)
	defer m.Close()

	c := m.GetOrCreateSession("")
	first, err := m.ActivateDatabase(c, "app")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		again, err := m.ActivateDatabase(c, "app")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	assert.Len(t, m.ActiveDatabases(c), 1)
	// Recency advanced even though the set did not change.
	assert.True(t, first.LastAccessed.After(time.Now().Add(-time.Second)))
}

func TestActivateUnknownOrDisabled(t *testing.T) {
	store, pm := newFixture(t, "app")
	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	_, err := m.ActivateDatabase(c, "ghost")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	require.NoError(t, store.SetDatabaseEnabled("app", false))
	_, err = m.ActivateDatabase(c, "app")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestLRUEviction(t *testing.T) {
	store, pm := newFixture(t, "a", "b", "c")
	require.NoError(t, store.SetSetting(catalog.SettingMaxActiveDatabases, "2"))

	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	_, err := m.ActivateDatabase(c, "a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.ActivateDatabase(c, "b")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.ActivateDatabase(c, "c")
	require.NoError(t, err)

	active := m.ActiveDatabases(c)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].Alias)
	assert.Equal(t, "c", active[1].Alias)

	// The evicted alias keeps its catalog timestamp.
	db, err := store.GetDatabaseByAlias("a")
	require.NoError(t, err)
	assert.False(t, db.LastAccessed.IsZero())
}

func TestLRUEvictionSparesCurrent(t *testing.T) {
	store, pm := newFixture(t, "a", "b", "c")
	require.NoError(t, store.SetSetting(catalog.SettingMaxActiveDatabases, "2"))

	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	_, err := m.ActivateDatabase(c, "a")
	require.NoError(t, err)
	require.NoError(t, m.SetCurrentDatabase(c, "a"))
	time.Sleep(2 * time.Millisecond)
	_, err = m.ActivateDatabase(c, "b")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.ActivateDatabase(c, "c")
	require.NoError(t, err)

	// "a" is oldest but current, so "b" goes instead.
	active := m.ActiveDatabases(c)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Alias)
	assert.Equal(t, "c", active[1].Alias)
}

func TestLRUEvictionAlphabeticalTieBreak(t *testing.T) {
	store, pm := newFixture(t, "x", "m", "b")
	require.NoError(t, store.SetSetting(catalog.SettingMaxActiveDatabases, "2"))

	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	_, err := m.ActivateDatabase(c, "x")
	require.NoError(t, err)
	_, err = m.ActivateDatabase(c, "m")
	require.NoError(t, err)

	// Force a tie in recency: identical timestamps, so "m" < "x" is evicted.
	tied := time.Now()
	for _, dc := range m.ActiveDatabases(c) {
		dc.LastAccessed = tied
	}

	_, err = m.ActivateDatabase(c, "b")
	require.NoError(t, err)

	active := m.ActiveDatabases(c)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].Alias)
	assert.Equal(t, "x", active[1].Alias)
}

func TestEvictionBoundHolds(t *testing.T) {
	store, pm := newFixture(t, "a", "b", "c", "d", "e", "f")
	require.NoError(t, store.SetSetting(catalog.SettingMaxActiveDatabases, "3"))

	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	for _, alias := range []string{"a", "b", "c", "d", "e", "f", "a", "c", "e"} {
		_, err := m.ActivateDatabase(c, alias)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(m.ActiveDatabases(c)), 3)
	}
}

func TestDeactivateDatabase(t *testing.T) {
	store, pm := newFixture(t, "app", "shop")
	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	_, err := m.ActivateDatabase(c, "app")
	require.NoError(t, err)
	require.NoError(t, m.SetCurrentDatabase(c, "app"))

	m.DeactivateDatabase(c, "app")
	assert.Empty(t, m.ActiveDatabases(c))
	assert.Nil(t, m.CurrentDatabase(c), "deactivating the current database clears it")

	// Unknown alias is a no-op.
	m.DeactivateDatabase(c, "ghost")
}

func TestSessionIsolation(t *testing.T) {
	store, pm := newFixture(t, "app")
	m := NewManager(store, pm, false)
	defer m.Close()

	s1 := m.GetOrCreateSession("")
	s2 := m.GetOrCreateSession("")
	require.NotEqual(t, s1.ID(), s2.ID())

	_, err := m.ActivateDatabase(s1, "app")
	require.NoError(t, err)
	require.NoError(t, m.SetCurrentDatabase(s1, "app"))

	assert.NotNil(t, m.CurrentDatabase(s1))
	assert.Nil(t, m.CurrentDatabase(s2), "S2 must not see S1's current database")

	// HTTP sessions never persist the current alias.
	v, err := store.GetSetting(catalog.SettingCurrentDatabaseAlias)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestProcessLocalPersistsCurrent(t *testing.T) {
	store, pm := newFixture(t, "app")
	m := NewManager(store, pm, true)
	defer m.Close()

	c := m.ProcessContext()
	require.NotNil(t, c)

	_, err := m.ActivateDatabase(c, "app")
	require.NoError(t, err)
	require.NoError(t, m.SetCurrentDatabase(c, "app"))

	v, err := store.GetSetting(catalog.SettingCurrentDatabaseAlias)
	require.NoError(t, err)
	assert.Equal(t, "app", v)

	// A fresh process-local manager primes from the persisted alias.
	m2 := NewManager(store, pm, true)
	defer m2.Close()
	cur := m2.CurrentDatabase(m2.ProcessContext())
	require.NotNil(t, cur)
	assert.Equal(t, "app", cur.Alias)
}

func TestSetCurrentRequiresActive(t *testing.T) {
	store, pm := newFixture(t, "app")
	m := NewManager(store, pm, false)
	defer m.Close()
	c := m.GetOrCreateSession("")

	assert.ErrorIs(t, m.SetCurrentDatabase(c, "app"), gateway.ErrNotFound)
}

func TestGetSessionUnknown(t *testing.T) {
	store, pm := newFixture(t)
	m := NewManager(store, pm, false)
	defer m.Close()

	_, err := m.GetSession("nope")
	assert.ErrorIs(t, err, gateway.ErrSessionClosed)
}

func TestSweepBoundary(t *testing.T) {
	store, pm := newFixture(t)
	m := NewManager(store, pm, false)
	defer m.Close()

	stale := m.GetOrCreateSession("")
	fresh := m.GetOrCreateSession("")

	now := time.Now()
	m.mu.Lock()
	stale.lastAccessed = now.Add(-SessionTimeout - time.Millisecond)
	fresh.lastAccessed = now.Add(-SessionTimeout + time.Millisecond)
	m.mu.Unlock()

	m.Sweep(now)

	_, err := m.GetSession(stale.ID())
	assert.ErrorIs(t, err, gateway.ErrSessionClosed, "idle for timeout+1ms must be swept")
	_, err = m.GetSession(fresh.ID())
	assert.NoError(t, err, "idle for timeout-1ms must survive")
}
