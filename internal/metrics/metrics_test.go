package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestQueryExecuted(t *testing.T) {
	c := New()

	c.QueryExecuted("SELECT", true, 100*time.Millisecond)
	c.QueryExecuted("SELECT", true, 200*time.Millisecond)
	c.QueryExecuted("DELETE", false, 10*time.Millisecond)

	if v := getCounterValue(c.queriesTotal.WithLabelValues("SELECT", "ok")); v != 2 {
		t.Errorf("expected SELECT ok=2, got %v", v)
	}
	if v := getCounterValue(c.queriesTotal.WithLabelValues("DELETE", "error")); v != 1 {
		t.Errorf("expected DELETE error=1, got %v", v)
	}

	// Verify histogram was observed by gathering metrics
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "mysqlgate_query_duration_seconds" {
			found = true
			var samples uint64
			for _, m := range f.GetMetric() {
				samples += m.GetHistogram().GetSampleCount()
			}
			if samples != 3 {
				t.Errorf("expected 3 samples, got %d", samples)
			}
		}
	}
	if !found {
		t.Error("query duration metric not found")
	}
}

func TestSetConnectionHealth(t *testing.T) {
	c := New()

	c.SetConnectionHealth("c1", true)
	if v := getGaugeValue(c.connectionHealth.WithLabelValues("c1")); v != 1 {
		t.Errorf("expected health=1 (healthy), got %v", v)
	}

	c.SetConnectionHealth("c1", false)
	if v := getGaugeValue(c.connectionHealth.WithLabelValues("c1")); v != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", v)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c := New()

	c.UpdatePoolStats("c1", 8, 3, 5)

	if v := getGaugeValue(c.poolOpen.WithLabelValues("c1")); v != 8 {
		t.Errorf("expected open=8, got %v", v)
	}
	if v := getGaugeValue(c.poolInUse.WithLabelValues("c1")); v != 3 {
		t.Errorf("expected in_use=3, got %v", v)
	}
	if v := getGaugeValue(c.poolIdle.WithLabelValues("c1")); v != 5 {
		t.Errorf("expected idle=5, got %v", v)
	}
}

func TestHTTPRequestStatusClasses(t *testing.T) {
	c := New()

	c.HTTPRequest("/api/query", 200)
	c.HTTPRequest("/api/query", 201)
	c.HTTPRequest("/api/query", 404)
	c.HTTPRequest("/api/query", 500)

	if v := getCounterValue(c.httpRequestsTotal.WithLabelValues("/api/query", "2xx")); v != 2 {
		t.Errorf("expected 2xx=2, got %v", v)
	}
	if v := getCounterValue(c.httpRequestsTotal.WithLabelValues("/api/query", "4xx")); v != 1 {
		t.Errorf("expected 4xx=1, got %v", v)
	}
	if v := getCounterValue(c.httpRequestsTotal.WithLabelValues("/api/query", "5xx")); v != 1 {
		t.Errorf("expected 5xx=1, got %v", v)
	}
}

func TestRemoveConnection(t *testing.T) {
	c := New()

	c.UpdatePoolStats("c1", 1, 1, 0)
	c.SetConnectionHealth("c1", true)

	c.RemoveConnection("c1")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "connection" && l.GetValue() == "c1" {
					t.Errorf("metric %s still has c1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestSessionAndAuditGauges(t *testing.T) {
	c := New()

	c.SetSessionCount(4)
	if v := getGaugeValue(c.sessionsActive); v != 4 {
		t.Errorf("expected sessions=4, got %v", v)
	}

	c.SetAuditDropped(7)
	if v := getGaugeValue(c.auditDropped); v != 7 {
		t.Errorf("expected dropped=7, got %v", v)
	}

	c.AuthFailure()
	c.AuthFailure()
	if v := getCounterValue(c.authFailures); v != 2 {
		t.Errorf("expected auth failures=2, got %v", v)
	}
}
