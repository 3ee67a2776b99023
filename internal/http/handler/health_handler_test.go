package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomiyuta/gmo-coin-bot/internal/metrics"
	"github.com/tomiyuta/gmo-coin-bot/internal/supervisor"
)

type stubStatus struct {
	report supervisor.HealthReport
}

func (s *stubStatus) LastHealth() supervisor.HealthReport { return s.report }

type stubMetrics struct {
	snap metrics.Snapshot
}

func (s *stubMetrics) Snapshot() metrics.Snapshot { return s.snap }

func newTestServer(status StatusProvider, m MetricsProvider) *httptest.Server {
	r := chi.NewRouter()
	NewStatusHandler(status, m).RegisterRoutes(r)
	return httptest.NewServer(r)
}

func TestGetHealthOK(t *testing.T) {
	status := &stubStatus{report: supervisor.HealthReport{
		Time: time.Now(),
		OK:   true,
		Checks: []supervisor.CheckResult{
			{Name: "api", OK: true, Detail: "rate limit 20/s"},
		},
	}}
	server := newTestServer(status, &stubMetrics{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report supervisor.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.OK)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "api", report.Checks[0].Name)
}

func TestGetHealthUnhealthy(t *testing.T) {
	status := &stubStatus{report: supervisor.HealthReport{Time: time.Now(), OK: false}}
	server := newTestServer(status, &stubMetrics{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetPerformance(t *testing.T) {
	m := &stubMetrics{snap: metrics.Snapshot{Trades: 3, Wins: 2, WinRate: 66.7}}
	server := newTestServer(&stubStatus{}, m)
	defer server.Close()

	resp, err := http.Get(server.URL + "/performance")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 3, snap.Trades)
}
