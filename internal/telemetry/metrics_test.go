package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsByStatusClass(t *testing.T) {
	h := Instrument("probe", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx"))

	assert.Equal(t, before+1, after)
}

func TestMetricsHandlerExposesControlMetrics(t *testing.T) {
	SetBuildInfo("test", "abc123")
	MessagesReceived.WithLabelValues("SHUTDOWN", "NORMAL").Inc()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `zephyrlog_messages_received_total{disposition="NORMAL",type="SHUTDOWN"}`)
	assert.Contains(t, string(body), `zephyrlog_build_info{git_sha="abc123",version="test"} 1`)
	assert.Contains(t, string(body), "zephyrlog_uptime_seconds")
}
