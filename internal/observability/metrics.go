package observability

import (
	"strconv"
	"time"

	"github.com/danmuck/groupchat/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "groupchat"

// Metrics owns one Prometheus registry per service so parallel services in
// tests never collide on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers the chat counters collector and the admin HTTP metrics.
func NewMetrics(counters *stats.Counters) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	m.Registry.MustRegister(m.httpRequests, m.httpDuration, newCountersCollector(counters))
	return m
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(stats.Snapshot) float64
}

// countersCollector reads one stats snapshot per scrape.
type countersCollector struct {
	counters *stats.Counters
	descs    []counterDesc
}

func newCountersCollector(counters *stats.Counters) *countersCollector {
	counter := func(name, help string, v func(stats.Snapshot) float64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: v,
		}
	}
	registered := counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "registered_clients"), "Currently registered clients.", nil, nil),
		kind:  prometheus.GaugeValue,
		value: func(s stats.Snapshot) float64 { return float64(s.Registered) },
	}
	return &countersCollector{
		counters: counters,
		descs: []counterDesc{
			registered,
			counter("logins_total", "Completed logins.", func(s stats.Snapshot) float64 { return float64(s.Logins) }),
			counter("logouts_total", "Registered clients that left.", func(s stats.Snapshot) float64 { return float64(s.Logouts) }),
			counter("login_rejections_total", "Rejected login requests.", func(s stats.Snapshot) float64 { return float64(s.LoginRejections) }),
			counter("messages_received_total", "Chat messages accepted from clients.", func(s stats.Snapshot) float64 { return float64(s.MessagesReceived) }),
			counter("events_sent_total", "Event envelopes written to recipients.", func(s stats.Snapshot) float64 { return float64(s.EventsSent) }),
			counter("event_send_failures_total", "Event sends that returned an error.", func(s stats.Snapshot) float64 { return float64(s.SendFailures) }),
			counter("confirms_received_total", "Event confirmations matched to a pending entry.", func(s stats.Snapshot) float64 { return float64(s.ConfirmsReceived) }),
			counter("confirms_late_total", "Confirmations with no pending entry.", func(s stats.Snapshot) float64 { return float64(s.ConfirmsLate) }),
			counter("confirms_lost_total", "Pending entries abandoned after the last attempt.", func(s stats.Snapshot) float64 { return float64(s.ConfirmsLost) }),
			counter("confirms_cancelled_total", "Pending entries dropped because the recipient left.", func(s stats.Snapshot) float64 { return float64(s.ConfirmsCancelled) }),
			counter("event_retries_total", "Event resends after a confirm timeout.", func(s stats.Snapshot) float64 { return float64(s.Retries) }),
			counter("audit_dropped_total", "Audit records dropped on a full queue.", func(s stats.Snapshot) float64 { return float64(s.AuditDropped) }),
		},
	}
}

func (c *countersCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *countersCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counters.Snapshot()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(snap))
	}
}
