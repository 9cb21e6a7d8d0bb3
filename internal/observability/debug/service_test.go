package debug

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logx "userscriptd/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "userscriptd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	svc := New(Config{}, Sources{
		Gatherer: reg,
		Stats:    func(context.Context) (any, error) { return map[string]int{"schedules": 3}, nil },
	}, logx.Nop())
	h := svc.Handler()

	rec := get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "userscriptd_test_total 1")

	rec = get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status": "ok"`)

	rec = get(t, h, "/debug/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"schedules": 3`)
}

func TestUnhealthyReturns503(t *testing.T) {
	svc := New(Config{}, Sources{
		Health: func(context.Context) (any, error) { return nil, errors.New("store closed") },
	}, logx.Nop())
	rec := get(t, svc.Handler(), "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store closed")
}

func TestTokenAuth(t *testing.T) {
	svc := New(Config{Token: "s3cret"}, Sources{Gatherer: prometheus.NewRegistry()}, logx.Nop())
	h := svc.Handler()

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", "s3cret").Code)
}

func TestPprofIndexUnderCustomPrefix(t *testing.T) {
	svc := New(Config{Pprof: true, PprofPrefix: "ops/pprof"}, Sources{}, logx.Nop())
	rec := get(t, svc.Handler(), "/ops/pprof/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "goroutine")
}

func TestPprofDisabledByDefault(t *testing.T) {
	svc := New(Config{}, Sources{}, logx.Nop())
	require.Equal(t, http.StatusNotFound, get(t, svc.Handler(), "/debug/pprof/", "").Code)
}

func TestHelpers(t *testing.T) {
	require.Equal(t, "/debug/pprof/", normalizePrefix(""))
	require.Equal(t, "/x/", normalizePrefix("x"))
	require.True(t, isLoopbackAddr("127.0.0.1:9464"))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.False(t, isLoopbackAddr(":9464"))
	require.False(t, isLoopbackAddr("10.0.0.1:9464"))
	require.True(t, needsRestart(Config{Addr: "a"}, Config{Addr: "b"}))
	require.False(t, needsRestart(Config{Addr: "a"}, Config{Addr: "a", Enabled: true}))
	require.True(t, needsRestart(Config{Addr: "a"}, Config{Addr: "a", Pprof: true}))
}
