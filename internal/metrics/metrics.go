package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	Registry *prometheus.Registry

	queriesTotal      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	poolOpen          *prometheus.GaugeVec
	poolInUse         *prometheus.GaugeVec
	poolIdle          *prometheus.GaugeVec
	sessionsActive    prometheus.Gauge
	connectionHealth  *prometheus.GaugeVec
	authFailures      prometheus.Counter
	auditDropped      prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlgate_queries_total",
				Help: "Executed statements by SQL kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlgate_query_duration_seconds",
				Help:    "Statement execution time in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"kind"},
		),
		poolOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlgate_pool_connections_open",
				Help: "Open connections per upstream MySQL server",
			},
			[]string{"connection"},
		),
		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlgate_pool_connections_in_use",
				Help: "In-use connections per upstream MySQL server",
			},
			[]string{"connection"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlgate_pool_connections_idle",
				Help: "Idle connections per upstream MySQL server",
			},
			[]string{"connection"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlgate_sessions_active",
				Help: "Live tool sessions",
			},
		),
		connectionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlgate_connection_health",
				Help: "Upstream server health (1=healthy, 0=unhealthy)",
			},
			[]string{"connection"},
		),
		authFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mysqlgate_auth_failures_total",
				Help: "Requests rejected for missing or invalid credentials",
			},
		),
		auditDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlgate_audit_entries_dropped",
				Help: "Audit entries lost to queue overflow or write failure",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlgate_http_requests_total",
				Help: "REST requests by route and status class",
			},
			[]string{"route", "status"},
		),
	}

	c.Registry.MustRegister(
		c.queriesTotal,
		c.queryDuration,
		c.poolOpen,
		c.poolInUse,
		c.poolIdle,
		c.sessionsActive,
		c.connectionHealth,
		c.authFailures,
		c.auditDropped,
		c.httpRequestsTotal,
	)

	return c
}

// QueryExecuted records one statement's kind, outcome, and duration.
func (c *Collector) QueryExecuted(kind string, ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.queriesTotal.WithLabelValues(kind, outcome).Inc()
	c.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// UpdatePoolStats refreshes the pool gauges for one upstream connection.
func (c *Collector) UpdatePoolStats(connection string, open, inUse, idle int) {
	c.poolOpen.WithLabelValues(connection).Set(float64(open))
	c.poolInUse.WithLabelValues(connection).Set(float64(inUse))
	c.poolIdle.WithLabelValues(connection).Set(float64(idle))
}

// SetSessionCount sets the live session gauge.
func (c *Collector) SetSessionCount(n int) {
	c.sessionsActive.Set(float64(n))
}

// SetConnectionHealth sets the health gauge for an upstream server.
func (c *Collector) SetConnectionHealth(connection string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.connectionHealth.WithLabelValues(connection).Set(val)
}

// AuthFailure increments the rejected-credentials counter.
func (c *Collector) AuthFailure() {
	c.authFailures.Inc()
}

// SetAuditDropped mirrors the audit logger's drop counter.
func (c *Collector) SetAuditDropped(n int64) {
	c.auditDropped.Set(float64(n))
}

// HTTPRequest records one REST request.
func (c *Collector) HTTPRequest(route string, status int) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	c.httpRequestsTotal.WithLabelValues(route, class).Inc()
}

// RemoveConnection drops all per-connection series after a connection is
// deleted from the catalog.
func (c *Collector) RemoveConnection(connection string) {
	c.poolOpen.DeleteLabelValues(connection)
	c.poolInUse.DeleteLabelValues(connection)
	c.poolIdle.DeleteLabelValues(connection)
	c.connectionHealth.DeleteLabelValues(connection)
}
