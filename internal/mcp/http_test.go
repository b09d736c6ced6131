package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

func newHTTPFixture(t *testing.T) (*fixture, *HTTPHandler) {
	t.Helper()
	f := newFixture(t)
	return f, NewHTTPHandler(f.dispatcher, f.sessions, f.store)
}

func postRPC(t *testing.T, h *HTTPHandler, sessionID, method string, params any) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(raw)))
	if sessionID != "" {
		r.Header.Set(SessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func TestInitializeMintsSession(t *testing.T) {
	_, h := newHTTPFixture(t)

	w := postRPC(t, h, "", "initialize", nil)
	require.Equal(t, http.StatusOK, w.Code)

	sessionID := w.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID, "initialize must mint a session id")

	resp := decodeRPC(t, w)
	require.Nil(t, resp.Error)

	// The minted session is usable for subsequent calls.
	w = postRPC(t, h, sessionID, "tools/list", nil)
	require.Nil(t, decodeRPC(t, w).Error)
}

func TestNonInitializeWithoutSessionRejected(t *testing.T) {
	_, h := newHTTPFixture(t)

	resp := decodeRPC(t, postRPC(t, h, "", "tools/list", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeInvalidRequest, resp.Error.Code)
}

func TestUnknownSessionRejected(t *testing.T) {
	_, h := newHTTPFixture(t)

	resp := decodeRPC(t, postRPC(t, h, "no-such-session", "tools/list", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeServer, resp.Error.Code)
}

func TestDeleteClosesSession(t *testing.T) {
	f, h := newHTTPFixture(t)

	w := postRPC(t, h, "", "initialize", nil)
	sessionID := w.Header().Get(SessionHeader)
	require.Equal(t, 1, f.sessions.SessionCount())

	r := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	r.Header.Set(SessionHeader, sessionID)
	dw := httptest.NewRecorder()
	h.ServeHTTP(dw, r)
	require.Equal(t, http.StatusNoContent, dw.Code)
	require.Equal(t, 0, f.sessions.SessionCount())

	// Closed is terminal.
	resp := decodeRPC(t, postRPC(t, h, sessionID, "tools/list", nil))
	require.NotNil(t, resp.Error)
}

// The idle sweeper must release transport slots the same way DELETE does, or
// every abandoned client leaves a map entry behind.
func TestSweepReleasesSlot(t *testing.T) {
	f, h := newHTTPFixture(t)

	w := postRPC(t, h, "", "initialize", nil)
	sessionID := w.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	h.mu.Lock()
	_, held := h.slots[sessionID]
	h.mu.Unlock()
	require.True(t, held, "initialize must allocate a slot")

	f.sessions.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, 0, f.sessions.SessionCount())

	h.mu.Lock()
	_, held = h.slots[sessionID]
	h.mu.Unlock()
	require.False(t, held, "slot for a swept session must be released")
}

func TestDisabledGateShortCircuits(t *testing.T) {
	f, h := newHTTPFixture(t)
	require.NoError(t, f.store.SetSetting(catalog.SettingMCPEnabled, "false"))

	resp := decodeRPC(t, postRPC(t, h, "", "initialize", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, gateway.RPCCodeServer, resp.Error.Code)
	require.Equal(t, "MCP service is currently disabled", resp.Error.Message)

	// The session map was never touched.
	require.Equal(t, 0, f.sessions.SessionCount())
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newHTTPFixture(t)

	r := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
