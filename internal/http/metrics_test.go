package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMetricsMiddleware_LabelsByOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m := newHTTPMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.POST("/api/v1/tenants/:tenant/search", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "verified"})
	})
	e.POST("/api/v1/tenants/:tenant/embed", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "provider down")
	})
	e.GET("/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "") })

	for _, r := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/tenants/acme/search"},
		{http.MethodPost, "/api/v1/tenants/globex/search"},
		{http.MethodPost, "/api/v1/tenants/acme/embed"},
		{http.MethodGet, "/metrics"},
		{http.MethodGet, "/nope"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	got := collect(t, reader)
	requests, ok := got["corpusd.api.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)

	counts := make(map[string]int64)
	for _, dp := range requests.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			assert.NotContains(t, kv.Value.Emit(), "acme", "tenant IDs never become labels")
		}
		counts[attr(dp.Attributes, "operation")+" "+attr(dp.Attributes, "status_class")] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		"search 2xx":    2,
		"embed 5xx":     1,
		"unmatched 4xx": 1,
	}, counts, "metrics scrapes are not recorded")

	duration, ok := got["corpusd.api.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var recorded uint64
	for _, dp := range duration.DataPoints {
		recorded += dp.Count
	}
	assert.Equal(t, uint64(4), recorded)

	inFlight, ok := got["corpusd.api.in_flight"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range inFlight.DataPoints {
		assert.Zero(t, dp.Value, "operation %s", attr(dp.Attributes, "operation"))
	}
}

func TestOperationFor_CoversEveryRoute(t *testing.T) {
	f := newFixture(t)
	for _, r := range f.server.echo.Routes() {
		if r.Path == "/metrics" || strings.HasSuffix(r.Path, "/*") {
			continue
		}
		assert.NotEqual(t, opUnmatched, operationFor(r.Path), "%s %s", r.Method, r.Path)
	}
	assert.Equal(t, opUnmatched, operationFor(""))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{400, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.status))
	}
}
