package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/httpseal/nettrace/pkg/recorder"
)

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("nettrace-test"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	rec := recorder.New()
	client := &http.Client{Transport: New(nil, rec, WithMetrics(m))}
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	failing := &http.Client{Transport: New(roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("down")
	}), rec, WithMetrics(m))}
	_, err = failing.Get("http://example.test/")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	requests, ok := findMetric(rm, MetricRequests)
	require.True(t, ok)
	assert.Equal(t, int64(3), sumInt64(t, requests))

	errs, ok := findMetric(rm, MetricErrors)
	require.True(t, ok)
	assert.Equal(t, int64(1), sumInt64(t, errs))

	active, ok := findMetric(rm, MetricActive)
	require.True(t, ok)
	assert.Equal(t, int64(0), sumInt64(t, active))

	duration, ok := findMetric(rm, MetricDuration)
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.begin(context.Background(), "GET")
		m.end(context.Background(), "GET", 200, false, 0)
	})
}
