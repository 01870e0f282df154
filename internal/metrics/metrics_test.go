package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketdesk/refresher/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.RunStarted()
	m.Step("market", "success", 2*time.Second)
	m.RunFinished("single", "ok")
	m.Busy()
	m.Login("success")
	m.Login("failure")
	m.StaticCompressed()

	n, err := testutil.GatherAndCount(m.Registry(),
		"refresher_runs_total",
		"refresher_busy_total",
		"refresher_login_attempts_total",
		"refresher_step_duration_seconds",
	)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `refresher_runs_total{mode="single",outcome="ok"} 1`)
	require.Contains(t, string(body), "refresher_static_compressions_total 1")
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	m.RunStarted()
	m.RunFinished("all", "failed")
	m.Busy()
	m.Step("x", "failure", time.Second)
	m.Login("success")
	m.StaticCompressed()
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
