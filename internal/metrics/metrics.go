// Package metrics wires the server's domain counters and gauges into
// github.com/prometheus/client_golang, grounded on the teacher's go.mod
// pulling in client_golang transitively via Caddy's admin API — promoted
// here to a first-class dependency since nothing in this server exposes
// Caddy's own admin surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters and gauges the HTTP handler updates as
// requests are served. A nil *Metrics is safe to call methods
// on; every method is a no-op in that case, so callers never need a nil
// check of their own.
type Metrics struct {
	reg *prometheus.Registry

	streamsCreated   prometheus.Counter
	streamsDeleted   prometheus.Counter
	streamsOpen      prometheus.Gauge
	appendsTotal     *prometheus.CounterVec
	bytesAppended    prometheus.Counter
	readsTotal       *prometheus.CounterVec
	waitersActive    prometheus.Gauge
	longPollTimeouts prometheus.Counter
	requestDuration  *prometheus.HistogramVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in production and in tests where repeated
// registration would otherwise panic on duplicate collectors.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		streamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "streams_created_total",
			Help:      "Total number of streams created.",
		}),
		streamsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "streams_deleted_total",
			Help:      "Total number of streams explicitly deleted.",
		}),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "durablestreams",
			Name:      "streams_open",
			Help:      "Current number of non-deleted streams.",
		}),
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "appends_total",
			Help:      "Total number of append requests, by outcome.",
		}, []string{"outcome"}),
		bytesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "bytes_appended_total",
			Help:      "Total payload bytes durably appended.",
		}),
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "reads_total",
			Help:      "Total number of read requests, by mode.",
		}, []string{"mode"}),
		waitersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "durablestreams",
			Name:      "waiters_active",
			Help:      "Current number of blocked long-poll/SSE waiters.",
		}),
		longPollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durablestreams",
			Name:      "long_poll_timeouts_total",
			Help:      "Total number of long-poll waits that ended by deadline.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durablestreams",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_class"}),
	}

	reg.MustRegister(
		m.streamsCreated, m.streamsDeleted, m.streamsOpen,
		m.appendsTotal, m.bytesAppended, m.readsTotal,
		m.waitersActive, m.longPollTimeouts, m.requestDuration,
	)
	return m
}

func (m *Metrics) StreamCreated() {
	if m == nil {
		return
	}
	m.streamsCreated.Inc()
	m.streamsOpen.Inc()
}

func (m *Metrics) StreamDeleted() {
	if m == nil {
		return
	}
	m.streamsDeleted.Inc()
	m.streamsOpen.Dec()
}

// AppendOutcome records one append attempt. outcome is a short label
// such as "ok", "duplicate", "closed", "conflict", "error".
func (m *Metrics) AppendOutcome(outcome string, bytes int) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.bytesAppended.Add(float64(bytes))
	}
}

// Read records one read request. mode is "catchup", "long-poll", or "sse".
func (m *Metrics) Read(mode string) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) WaiterStarted() {
	if m == nil {
		return
	}
	m.waitersActive.Inc()
}

func (m *Metrics) WaiterEnded(timedOut bool) {
	if m == nil {
		return
	}
	m.waitersActive.Dec()
	if timedOut {
		m.longPollTimeouts.Inc()
	}
}

// RequestDuration records how long one HTTP request took, bucketed by
// the method and the response's status class ("2xx", "4xx", "5xx").
func (m *Metrics) RequestDuration(method, statusClass string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, statusClass).Observe(seconds)
}
