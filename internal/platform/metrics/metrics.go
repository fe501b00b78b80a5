package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the skill gateway.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	authFailuresTotal   prometheus.Counter
	tokensIssuedTotal   prometheus.Counter
	tokensRejectedTotal prometheus.Counter
	rateLimitedTotal    prometheus.Counter
	snapshotsTotal      prometheus.Counter
	activeSessions      prometheus.Gauge
	errorsTotal         prometheus.Counter
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_requests_total",
		Help: "Total number of HTTP requests received",
	})
	authFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_auth_failures_total",
		Help: "Total number of inbound requests that failed signature verification",
	})
	tokensIssuedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_stream_tokens_issued_total",
		Help: "Total number of stream tokens issued",
	})
	tokensRejectedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_stream_tokens_rejected_total",
		Help: "Total number of stream tokens rejected at the media endpoint",
	})
	rateLimitedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_rate_limited_total",
		Help: "Total number of requests denied by the rate limiter",
	})
	snapshotsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_position_snapshots_total",
		Help: "Total number of playback position snapshots persisted",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skill_active_sessions",
		Help: "Number of playback sessions currently stored",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skill_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		authFailuresTotal,
		tokensIssuedTotal,
		tokensRejectedTotal,
		rateLimitedTotal,
		snapshotsTotal,
		activeSessions,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		authFailuresTotal:   authFailuresTotal,
		tokensIssuedTotal:   tokensIssuedTotal,
		tokensRejectedTotal: tokensRejectedTotal,
		rateLimitedTotal:    rateLimitedTotal,
		snapshotsTotal:      snapshotsTotal,
		activeSessions:      activeSessions,
		errorsTotal:         errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncAuthFailures increments the signature verification failure counter.
func (m *Metrics) IncAuthFailures() {
	m.authFailuresTotal.Inc()
}

// IncTokensIssued increments the stream tokens issued counter.
func (m *Metrics) IncTokensIssued() {
	m.tokensIssuedTotal.Inc()
}

// IncTokensRejected increments the stream tokens rejected counter.
func (m *Metrics) IncTokensRejected() {
	m.tokensRejectedTotal.Inc()
}

// IncRateLimited increments the rate limited request counter.
func (m *Metrics) IncRateLimited() {
	m.rateLimitedTotal.Inc()
}

// IncSnapshots increments the persisted snapshot counter.
func (m *Metrics) IncSnapshots() {
	m.snapshotsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
