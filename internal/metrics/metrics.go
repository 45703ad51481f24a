package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for yt-cast. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	relayRequestsTotal *prometheus.CounterVec
	relayBytesTotal    prometheus.Counter
	activeRoutes       prometheus.Gauge
	transitionsTotal   *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	resolveSeconds     prometheus.Histogram
	transcodeJobs      prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	relayRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytcast_relay_requests_total",
		Help: "Relay HTTP requests by content kind and status code class",
	}, []string{"kind", "status"})
	relayBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ytcast_relay_bytes_total",
		Help: "Bytes written to receivers by the relay",
	})
	activeRoutes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ytcast_relay_active_routes",
		Help: "Number of registered relay routes",
	})
	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytcast_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"state"})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ytcast_sessions_total",
		Help: "Finished sessions by terminal state",
	}, []string{"outcome"})
	resolveSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ytcast_resolve_duration_seconds",
		Help:    "Time spent running the extractor",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	})
	transcodeJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ytcast_transcode_jobs_running",
		Help: "Number of running ffmpeg processes",
	})

	registry.MustRegister(
		relayRequestsTotal,
		relayBytesTotal,
		activeRoutes,
		transitionsTotal,
		sessionsTotal,
		resolveSeconds,
		transcodeJobs,
	)

	return &Metrics{
		registry:           registry,
		relayRequestsTotal: relayRequestsTotal,
		relayBytesTotal:    relayBytesTotal,
		activeRoutes:       activeRoutes,
		transitionsTotal:   transitionsTotal,
		sessionsTotal:      sessionsTotal,
		resolveSeconds:     resolveSeconds,
		transcodeJobs:      transcodeJobs,
	}
}

// IncRelayRequest counts a finished relay request.
func (m *Metrics) IncRelayRequest(kind string, status int) {
	if m == nil {
		return
	}
	m.relayRequestsTotal.WithLabelValues(kind, statusClass(status)).Inc()
}

// AddRelayBytes adds n to the relayed bytes counter.
func (m *Metrics) AddRelayBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytesTotal.Add(float64(n))
}

// SetActiveRoutes sets the active routes gauge.
func (m *Metrics) SetActiveRoutes(n int) {
	if m == nil {
		return
	}
	m.activeRoutes.Set(float64(n))
}

// IncTransition counts a session entering state.
func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

// IncSessionEnded counts a session reaching a terminal state.
func (m *Metrics) IncSessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolve records one extractor run.
func (m *Metrics) ObserveResolve(seconds float64) {
	if m == nil {
		return
	}
	m.resolveSeconds.Observe(seconds)
}

// SetTranscodeJobs sets the running ffmpeg gauge.
func (m *Metrics) SetTranscodeJobs(n int) {
	if m == nil {
		return
	}
	m.transcodeJobs.Set(float64(n))
}

// Gatherer exposes the registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
