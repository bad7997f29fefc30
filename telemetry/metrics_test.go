package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodPost, "/flush", nil), "req")
	SetEndpoint(r, "flush")
	RecordHTTP(context.Background(), r, http.StatusOK, 50*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "replicache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "flush"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	hist := findHistogram(rm, "replicache_http_request_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHTTP(context.Background(), httptest.NewRequest(http.MethodGet, "/nope", nil), http.StatusNotFound, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "replicache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBackendOp(ctx, "network", "write", "success", 10*time.Millisecond, 128)
	RecordBackendOp(ctx, "network", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "replicache_backend_requests_total"), 2)

	bytes := findCounter(rm, "replicache_backend_bytes_total")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 128, bytes[0].Value)
	require.True(t, hasAttr(bytes[0].Attributes, "location", "network"))
}

func TestRecordCacheLookupAndWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "work", CacheHit)
	RecordCacheLookup(ctx, "work", CacheHit)
	RecordCacheLookup(ctx, "work", CacheNegative)
	RecordCacheWrite(ctx, "work", "through", "error")

	rm := collectMetrics(t, reader)
	lookups := findCounter(rm, "replicache_cache_lookups_total")
	require.Len(t, lookups, 2)
	for _, dp := range lookups {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		}
	}

	writes := findCounter(rm, "replicache_cache_writes_total")
	require.Len(t, writes, 1)
	require.True(t, hasAttr(writes[0].Attributes, "policy", "through"))
	require.True(t, hasAttr(writes[0].Attributes, "outcome", "error"))
}

func TestRecordFlushEntries_SkipsZeroCounts(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordFlushEntries(context.Background(), "worktime", 3, 0)

	dps := findCounter(collectMetrics(t, reader), "replicache_flush_entries_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))
}

func TestRecordNetworkState(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordNetworkState(ctx, false, true)
	RecordNetworkState(ctx, true, true)
	RecordNetworkState(ctx, true, false)

	rm := collectMetrics(t, reader)
	gauge := findGauge(rm, "replicache_network_available")
	require.Len(t, gauge, 1)
	require.EqualValues(t, 1, gauge[0].Value)

	transitions := findCounter(rm, "replicache_network_transitions_total")
	require.Len(t, transitions, 2)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// none of these may panic
	RecordHTTP(ctx, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, time.Millisecond)
	RecordBackendOp(ctx, "local", "read", "success", time.Millisecond, 1)
	RecordCacheLookup(ctx, "work", CacheMiss)
	RecordCacheWrite(ctx, "work", "back", "success")
	RecordStoreRead(ctx, "own", "local")
	RecordNetworkWrite(ctx, "skipped")
	RecordSync(ctx, "copied", time.Millisecond)
	RecordFlushRun(ctx, "tick", time.Millisecond)
	RecordFlushEntries(ctx, "work", 1, 1)
	RecordNetworkState(ctx, true, true)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
