package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

func newTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	dir := t.TempDir()
	ks, err := crypto.LoadOrCreateKeystore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := catalog.Open(dir, ks)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// freePort reserves a TCP port and releases it so a dial is refused.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestGetPoolUnknownConnection(t *testing.T) {
	m := NewManager(newTestCatalog(t))
	defer m.CloseAll()

	_, err := m.GetPool(context.Background(), "no-such-id")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPoolProbeFailureLeavesNoEntry(t *testing.T) {
	store := newTestCatalog(t)
	m := NewManager(store)
	defer m.CloseAll()

	conn, err := store.CreateConnection("dead", "127.0.0.1", freePort(t), "root", "pw")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = m.GetPool(ctx, conn.ID)
	if !errors.Is(err, gateway.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if m.Has(conn.ID) {
		t.Error("failed probe must not leave a pool entry behind")
	}
	if stats := m.AllStats(); len(stats) != 0 {
		t.Errorf("expected no pools, got %d", len(stats))
	}
}

func TestClosePoolUnknownIsNoop(t *testing.T) {
	m := NewManager(newTestCatalog(t))
	m.ClosePool("never-created")
	m.CloseAll()
}

func TestProbeRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Probe(ctx, "127.0.0.1", freePort(t), "root", "pw")
	if !errors.Is(err, gateway.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
}
