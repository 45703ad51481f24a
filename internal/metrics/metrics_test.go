package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRelayRequest("proxy", 200)
		m.AddRelayBytes(10)
		m.SetActiveRoutes(1)
		m.IncTransition("playing")
		m.IncSessionEnded("stopped")
		m.ObserveResolve(1)
		m.SetTranscodeJobs(1)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncRelayRequest("live", 200)
	m.IncRelayRequest("live", 206)
	m.IncRelayRequest("proxy", 404)
	m.AddRelayBytes(1024)
	m.AddRelayBytes(-5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayRequestsTotal.WithLabelValues("live", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayRequestsTotal.WithLabelValues("proxy", "4xx")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.relayBytesTotal))
}

func TestHandlerRefreshesGauges(t *testing.T) {
	m := New()
	called := false
	h := m.Handler(func() {
		called = true
		m.SetActiveRoutes(3)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "ytcast_relay_active_routes 3"))
}
