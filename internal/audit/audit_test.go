package audit

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *catalog.Store {
	t.Helper()
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	require.NoError(t, err)
	store, err := catalog.Open(dir, ks)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func waitForLogs(t *testing.T, store *catalog.Store, want int) []*catalog.LogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, total, err := store.QueryLogs(catalog.LogFilter{}, 100, 0)
		require.NoError(t, err)
		if int(total) >= want {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d log entries", want)
	return nil
}

func TestRecordPersistsEntry(t *testing.T) {
	store := newStore(t)
	l := New(store, 64*1024, 30)
	defer l.Close()

	id := &auth.Identity{Kind: auth.KindAPIKey, APIKeyID: "k1"}
	l.Record(id, "mysql_query", "POST", map[string]any{"sql": "SELECT 1"}, map[string]any{"rowCount": 1}, 200, 12*time.Millisecond)

	entries := waitForLogs(t, store, 1)
	e := entries[0]
	require.Equal(t, "mysql_query", e.Endpoint)
	require.Equal(t, "k1", e.APIKeyID)
	require.Equal(t, 200, e.Status)
	require.Contains(t, e.Request, "SELECT 1")
	require.Contains(t, e.Response, "rowCount")
}

func TestPasswordRedactionAtAnyDepth(t *testing.T) {
	store := newStore(t)
	l := New(store, 64*1024, 30)
	defer l.Close()

	payload := map[string]any{
		"name":     "prod",
		"password": "hunter2",
		"nested": map[string]any{
			"oldPassword": "a",
			"newPassword": "b",
			"items":       []any{map[string]any{"db_password": "c"}},
		},
	}
	l.Record(nil, "connections", "POST", payload, nil, 201, time.Millisecond)

	entries := waitForLogs(t, store, 1)
	req := entries[0].Request
	for _, secret := range []string{"hunter2", `"a"`, `"b"`, `"c"`} {
		require.NotContains(t, req, secret)
	}
	require.Contains(t, req, RedactedSentinel)

	// Still valid JSON after redaction.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(req), &decoded))
	require.Equal(t, "prod", decoded["name"])
}

func TestQueryResponseTruncation(t *testing.T) {
	store := newStore(t)
	l := New(store, 128, 30)
	defer l.Close()

	big := map[string]any{"rows": strings.Repeat("x", 4096)}
	l.Record(nil, "mysql_query", "POST", nil, big, 200, time.Millisecond)
	l.Record(nil, "list_databases", "POST", nil, big, 200, time.Millisecond)

	entries := waitForLogs(t, store, 2)
	byEndpoint := map[string]*catalog.LogEntry{}
	for _, e := range entries {
		byEndpoint[e.Endpoint] = e
	}

	truncated := byEndpoint["mysql_query"].Response
	require.Contains(t, truncated, "[truncated")
	require.Less(t, len(truncated), 4096)

	// list_databases responses are exempt from the cap.
	whole := byEndpoint["list_databases"].Response
	require.NotContains(t, whole, "[truncated")
	require.Greater(t, len(whole), 4096)
}

func TestRecordNeverBlocks(t *testing.T) {
	store := newStore(t)
	l := New(store, 64*1024, 30)

	// Flood well past the queue depth; Record must return promptly and the
	// overflow shows up in the drop counter rather than as a hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*queueDepth; i++ {
			l.Record(nil, "mysql_query", "POST", nil, nil, 200, 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked under load")
	}
	l.Close()

	_, total, err := store.QueryLogs(catalog.LogFilter{}, 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10*queueDepth), total+l.Dropped())
}

// Records racing shutdown land in the drop counter instead of panicking on a
// closed channel.
func TestRecordDuringCloseDoesNotPanic(t *testing.T) {
	store := newStore(t)
	l := New(store, 64*1024, 30)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Record(nil, "mysql_query", "POST", nil, nil, 200, 0)
			}
		}()
	}
	l.Close()
	wg.Wait()

	// Late records are dropped, never buffered into a dead queue.
	before := l.Dropped()
	l.Record(nil, "mysql_query", "POST", nil, nil, 200, 0)
	require.Equal(t, before+1, l.Dropped())
}
