// Package health periodically probes every registered MySQL server so the
// REST surface and metrics can report upstream status without a live probe on
// each request.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

// Status represents the probed state of one upstream server.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its string form in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionHealth holds probe results for one connection.
type ConnectionHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
}

// Checker probes the catalog's connections on an interval.
type Checker struct {
	store   *catalog.Store
	metrics *metrics.Collector

	interval     time.Duration
	probeTimeout time.Duration

	mu     sync.RWMutex
	status map[string]*ConnectionHealth

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker. A nil metrics collector disables the
// health gauge.
func NewChecker(store *catalog.Store, m *metrics.Collector, interval, probeTimeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Checker{
		store:        store,
		metrics:      m,
		interval:     interval,
		probeTimeout: probeTimeout,
		status:       make(map[string]*ConnectionHealth),
		stopCh:       make(chan struct{}),
	}
}

// Start begins periodic probing.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval)
}

// Stop stops the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Probe once at startup so status is populated before the first tick.
	c.CheckAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll()
		case <-c.stopCh:
			return
		}
	}
}

// CheckAll probes every registered connection with a bounded worker pool.
func (c *Checker) CheckAll() {
	conns, err := c.store.ListConnections()
	if err != nil {
		slog.Warn("health check skipped", "err", err)
		return
	}

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.probe(conn)
		}()
	}
	wg.Wait()
	c.dropDeleted(conns)
}

func (c *Checker) probe(conn *catalog.Connection) {
	password, err := c.store.ConnectionPassword(conn.ID)
	if err != nil {
		c.updateStatus(conn.ID, false, "credential unavailable: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()

	if err := pool.Probe(ctx, conn.Host, conn.Port, conn.User, password); err != nil {
		c.updateStatus(conn.ID, false, err.Error())
		return
	}
	c.updateStatus(conn.ID, true, "")
}

func (c *Checker) updateStatus(connID string, healthy bool, lastError string) {
	c.mu.Lock()
	h, ok := c.status[connID]
	if !ok {
		h = &ConnectionHealth{}
		c.status[connID] = h
	}
	h.LastCheck = time.Now()
	h.LastError = lastError
	if healthy {
		if h.Status == StatusUnhealthy {
			slog.Info("connection recovered", "connection", connID)
		}
		h.Status = StatusHealthy
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
		if h.Status != StatusUnhealthy {
			slog.Warn("connection unhealthy", "connection", connID, "err", lastError)
		}
		h.Status = StatusUnhealthy
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetConnectionHealth(connID, healthy)
	}
}

// dropDeleted clears cached status for connections gone from the catalog.
func (c *Checker) dropDeleted(current []*catalog.Connection) {
	known := make(map[string]bool, len(current))
	for _, conn := range current {
		known[conn.ID] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.status {
		if !known[id] {
			delete(c.status, id)
			if c.metrics != nil {
				c.metrics.RemoveConnection(id)
			}
		}
	}
}

// GetStatus returns the cached health for one connection. Unknown until the
// first probe completes.
func (c *Checker) GetStatus(connID string) ConnectionHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.status[connID]; ok {
		return *h
	}
	return ConnectionHealth{Status: StatusUnknown}
}
