package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/query"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

type fixture struct {
	store      *catalog.Store
	sessions   *session.Manager
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	require.NoError(t, err)
	store, err := catalog.Open(dir, ks)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := store.CreateConnection("prod", "localhost", 3306, "root", "pw")
	require.NoError(t, err)
	_, err = store.AddDiscoveredDatabases(conn.ID, []string{"app", "analytics"})
	require.NoError(t, err)

	pm := pool.NewManager(store)
	t.Cleanup(pm.CloseAll)
	sm := session.NewManager(store, pm, false)
	t.Cleanup(sm.Close)

	return &fixture{
		store:      store,
		sessions:   sm,
		dispatcher: NewDispatcher(store, sm, query.NewExecutor(sm, pm, nil), nil),
	}
}

func call(t *testing.T, f *fixture, c *session.Context, method string, params any) *Response {
	t.Helper()
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = raw
	}
	return f.dispatcher.Handle(context.Background(), c, req)
}

func callTool(t *testing.T, f *fixture, c *session.Context, name string, args any) *Response {
	t.Helper()
	return call(t, f, c, "tools/call", map[string]any{"name": name, "arguments": args})
}

// toolPayload unwraps the text content block back into JSON.
func toolPayload(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected RPC error: %+v", resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content := result["content"].([]map[string]any)
	require.Len(t, content, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(content[0]["text"].(string)), &payload))
	return payload
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := call(t, f, c, "initialize", nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.Equal(t, ProtocolVersion, result["protocolVersion"])
}

func TestInitializedNotificationHasNoResponse(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := f.dispatcher.Handle(context.Background(), c, &Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	require.Nil(t, resp)
}

func TestToolsList(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := call(t, f, c, "tools/list", nil)
	require.Nil(t, resp.Error)

	tools := resp.Result.(map[string]any)["tools"].([]map[string]any)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool["name"].(string))
	}
	require.ElementsMatch(t, []string{"mysql_query", "list_databases", "switch_database"}, names)
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := call(t, f, c, "resources/list", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeMethodNotFound, resp.Error.Code)
}

func TestSwitchDatabase(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	payload := toolPayload(t, callTool(t, f, c, "switch_database", map[string]any{"alias": "app"}))
	require.Equal(t, "app", payload["alias"])
	require.Equal(t, "app", payload["realName"])
	require.Equal(t, "prod", payload["connectionName"])
	require.NotNil(t, payload["permissions"])

	current := f.sessions.CurrentDatabase(c)
	require.NotNil(t, current)
	require.Equal(t, "app", current.Alias)
}

func TestSwitchDatabaseUnknownAlias(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := callTool(t, f, c, "switch_database", map[string]any{"alias": "ghost"})
	require.NotNil(t, resp.Error)
	require.Contains(t, resp.Error.Message, "ghost")
}

func TestListDatabasesGroupsByConnection(t *testing.T) {
	f := newFixture(t)

	// Second connection with a colliding database name.
	conn2, err := f.store.CreateConnection("staging", "localhost", 3307, "root", "pw")
	require.NoError(t, err)
	_, err = f.store.AddDiscoveredDatabases(conn2.ID, []string{"app"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetDatabaseEnabled("analytics", false))

	c := f.sessions.GetOrCreateSession("")
	_ = toolPayload(t, callTool(t, f, c, "switch_database", map[string]any{"alias": "app"}))

	payload := toolPayload(t, callTool(t, f, c, "list_databases", map[string]any{}))
	groups := payload["connections"].([]any)
	require.Len(t, groups, 2)

	byConn := map[string][]any{}
	for _, g := range groups {
		group := g.(map[string]any)
		byConn[group["connectionName"].(string)] = group["databases"].([]any)
	}

	// Disabled databases are hidden.
	require.Len(t, byConn["prod"], 1)
	prodApp := byConn["prod"][0].(map[string]any)
	require.Equal(t, "app", prodApp["alias"])
	require.True(t, prodApp["isCurrent"].(bool))
	require.True(t, prodApp["isActive"].(bool))

	// The collision got the suffixed alias and is not current.
	require.Len(t, byConn["staging"], 1)
	stagingApp := byConn["staging"][0].(map[string]any)
	require.Equal(t, "app_2", stagingApp["alias"])
	require.False(t, stagingApp["isCurrent"].(bool))
}

func TestListDatabasesSessionIsolation(t *testing.T) {
	f := newFixture(t)

	s1 := f.sessions.GetOrCreateSession("")
	s2 := f.sessions.GetOrCreateSession("")
	_ = toolPayload(t, callTool(t, f, s1, "switch_database", map[string]any{"alias": "app"}))

	payload := toolPayload(t, callTool(t, f, s2, "list_databases", nil))
	groups := payload["connections"].([]any)
	for _, g := range groups {
		for _, d := range g.(map[string]any)["databases"].([]any) {
			db := d.(map[string]any)
			require.False(t, db["isCurrent"].(bool), "switch on s1 must not leak into s2: %v", db["alias"])
		}
	}

	// The persisted setting is untouched by an HTTP switch.
	alias, err := f.store.GetSetting(catalog.SettingCurrentDatabaseAlias)
	require.NoError(t, err)
	require.Empty(t, alias)
}

func TestMySQLQueryValidation(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := callTool(t, f, c, "mysql_query", map[string]any{"database": "app"})
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeInvalidParams, resp.Error.Code)
}

func TestMySQLQueryNoCurrentDatabase(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := callTool(t, f, c, "mysql_query", map[string]any{"sql": "SELECT 1"})
	require.NotNil(t, resp.Error)
	require.Contains(t, resp.Error.Message, "no current database")
}

func TestUnknownTool(t *testing.T) {
	f := newFixture(t)
	c := f.sessions.GetOrCreateSession("")

	resp := callTool(t, f, c, "drop_everything", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeInvalidParams, resp.Error.Code)
}
