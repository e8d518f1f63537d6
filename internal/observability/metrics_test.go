package observability

import (
	"testing"
	"time"

	"github.com/danmuck/groupchat/internal/stats"
	"github.com/danmuck/groupchat/internal/testutil/testlog"
	dto "github.com/prometheus/client_model/go"
)

func gathered(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCountersCollectorExportsSnapshot(t *testing.T) {
	testlog.Start(t)
	counters := stats.New()
	counters.Login()
	counters.Login()
	counters.Retry()

	families := gathered(t, NewMetrics(counters))
	reg, ok := families["groupchat_registered_clients"]
	if !ok || reg.GetType() != dto.MetricType_GAUGE {
		t.Fatalf("registered gauge missing: %v", reg)
	}
	if v := reg.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Fatalf("registered gauge=%v want 2", v)
	}
	retries, ok := families["groupchat_event_retries_total"]
	if !ok || retries.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("retries counter mismatch: %v", retries)
	}

	counters.Reset()
	families = gathered(t, NewMetrics(counters))
	if v := families["groupchat_logins_total"].GetMetric()[0].GetCounter().GetValue(); v != 0 {
		t.Fatalf("logins after reset=%v", v)
	}
}

func TestRecordHTTPRequestPerRegistry(t *testing.T) {
	testlog.Start(t)
	a := NewMetrics(stats.New())
	b := NewMetrics(stats.New())
	a.RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	a.RecordHTTPRequest("GET", "/health", 200, 3*time.Millisecond)

	fa := gathered(t, a)["groupchat_http_requests_total"]
	if fa == nil || fa.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected request count: %v", fa)
	}
	if _, ok := gathered(t, b)["groupchat_http_requests_total"]; ok {
		t.Fatalf("registry b should not see requests recorded on a")
	}
}
