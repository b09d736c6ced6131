package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/query"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

func newStdioFixture(t *testing.T, authToken string) (*Stdio, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	require.NoError(t, err)
	store, err := catalog.Open(dir, ks)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pm := pool.NewManager(store)
	t.Cleanup(pm.CloseAll)
	sm := session.NewManager(store, pm, true)
	t.Cleanup(sm.Close)

	issuer, err := crypto.NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	authenticator := auth.New(store, issuer)

	dispatcher := NewDispatcher(store, sm, query.NewExecutor(sm, pm, nil), nil)
	return NewStdio(dispatcher, sm, authenticator, authToken), store
}

// runFrames feeds newline-delimited requests through the transport and
// returns the decoded responses in order.
func runFrames(t *testing.T, s *Stdio, frames ...string) []*Response {
	t.Helper()
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	var out strings.Builder
	require.NoError(t, s.Run(context.Background(), in, &out))

	var responses []*Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, &resp)
	}
	return responses
}

func TestStdioHandshake(t *testing.T) {
	s, _ := newStdioFixture(t, "")

	responses := runFrames(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)

	// The notification produced no frame.
	require.Len(t, responses, 2)
	require.Nil(t, responses[0].Error)
	require.Nil(t, responses[1].Error)
}

func TestStdioParseError(t *testing.T) {
	s, _ := newStdioFixture(t, "")

	responses := runFrames(t, s, `{not json`)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, -32700, responses[0].Error.Code)
}

func TestStdioInvalidTokenReturnsSetupInstructions(t *testing.T) {
	s, _ := newStdioFixture(t, "wrong-token")

	responses := runFrames(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_databases","arguments":{}}}`,
	)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	require.Contains(t, responses[0].Error.Message, "AUTH_TOKEN")
}

func TestStdioValidTokenAllowsToolCalls(t *testing.T) {
	// The key must exist before the transport validates the token, so build
	// the fixture in two steps.
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	require.NoError(t, err)
	store, err := catalog.Open(dir, ks)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, err := store.CreateApiKey("agent")
	require.NoError(t, err)

	pm := pool.NewManager(store)
	t.Cleanup(pm.CloseAll)
	sm := session.NewManager(store, pm, true)
	t.Cleanup(sm.Close)

	issuer, err := crypto.NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	dispatcher := NewDispatcher(store, sm, query.NewExecutor(sm, pm, nil), nil)
	s := NewStdio(dispatcher, sm, auth.New(store, issuer), key.Secret)

	responses := runFrames(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_databases","arguments":{}}}`,
	)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)
}
