package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New(false)

	m.AgentsConnected(3)
	m.PacketIn("set_name")
	m.PacketIn("set_name")
	m.PacketOut("server_run")
	m.SweepRemoved(2)
	m.Dispatch(ResultPartial, 1, 10*time.Millisecond)
	m.HTTPRequest("/api/agents", 200)

	out := scrape(t, m)
	assert.Contains(t, out, "ferry_agents_connected 3")
	assert.Contains(t, out, `ferry_packets_in_total{kind="set_name"} 2`)
	assert.Contains(t, out, `ferry_packets_out_total{kind="server_run"} 1`)
	assert.Contains(t, out, "ferry_sweep_removed_total 2")
	assert.Contains(t, out, `ferry_dispatches_total{result="partial"} 1`)
	assert.Contains(t, out, "ferry_delivery_failures_total 1")
	assert.Contains(t, out, "ferry_dispatch_duration_seconds_count 1")
	assert.Contains(t, out, `ferry_http_requests_total{path="/api/agents",status="200"} 1`)
	assert.NotContains(t, out, "go_goroutines")
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := New(true)
	b := New(true)

	a.AgentsConnected(1)
	assert.Contains(t, scrape(t, a), "ferry_agents_connected 1")
	assert.Contains(t, scrape(t, b), "ferry_agents_connected 0")
	assert.Contains(t, scrape(t, b), "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AgentsConnected(1)
		m.PacketIn("x")
		m.PacketOut("x")
		m.SweepRemoved(1)
		m.Dispatch(ResultFailed, 2, time.Second)
		m.HTTPRequest("/", 500)
	})
}
