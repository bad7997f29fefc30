package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/replicache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter
	cacheWritesTotal  metric.Int64Counter

	storeReadsTotal         metric.Int64Counter
	storeNetworkWritesTotal metric.Int64Counter

	syncTotal    metric.Int64Counter
	syncDuration metric.Float64Histogram

	flushRunsTotal    metric.Int64Counter
	flushEntriesTotal metric.Int64Counter
	flushDuration     metric.Float64Histogram

	networkAvailable   metric.Int64Gauge
	networkTransitions metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "replicache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "replicache_http_requests_total", "Total number of admin HTTP requests", "{request}"},
		{&m.backendRequestsTotal, "replicache_backend_requests_total", "Total number of backend operations", "{request}"},
		{&m.backendBytesTotal, "replicache_backend_bytes_total", "Total bytes moved through backends", "By"},
		{&m.cacheLookupsTotal, "replicache_cache_lookups_total", "Cache lookups by result", "{lookup}"},
		{&m.cacheWritesTotal, "replicache_cache_writes_total", "Cache mutations by write policy and outcome", "{write}"},
		{&m.storeReadsTotal, "replicache_store_reads_total", "Replicated store reads by mode and source", "{read}"},
		{&m.storeNetworkWritesTotal, "replicache_store_network_writes_total", "Network leg outcomes of replicated writes", "{write}"},
		{&m.syncTotal, "replicache_sync_total", "Network to Local sync operations by outcome", "{sync}"},
		{&m.flushRunsTotal, "replicache_flush_runs_total", "Total number of flush runs", "{run}"},
		{&m.flushEntriesTotal, "replicache_flush_entries_total", "Dirty entries flushed by outcome", "{entry}"},
		{&m.networkTransitions, "replicache_network_transitions_total", "Network availability transitions", "{transition}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.requestDuration, "replicache_http_request_duration_seconds", "Admin HTTP request duration in seconds"},
		{&m.backendRequestDuration, "replicache_backend_request_duration_seconds", "Backend operation duration in seconds"},
		{&m.syncDuration, "replicache_sync_duration_seconds", "Network to Local sync duration in seconds"},
		{&m.flushDuration, "replicache_flush_duration_seconds", "Flush run duration in seconds"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
		)
		if err != nil {
			return nil, err
		}
	}

	m.networkAvailable, err = meter.Int64Gauge(
		"replicache_network_available",
		metric.WithDescription("Whether the Network store is reachable (1=available, 0=unavailable)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records admin HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	if tags := GetTags(r); tags != nil && tags.Endpoint != "" {
		endpoint = tags.Endpoint
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBackendOp records a backend storage operation.
// location is "local" or "network".
func RecordBackendOp(ctx context.Context, location, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("location", location),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordCacheLookup records a per-domain cache lookup.
func RecordCacheLookup(ctx context.Context, cache string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", string(result)),
	))
}

// RecordCacheWrite records a cache mutation. policy is "through" or "back".
func RecordCacheWrite(ctx context.Context, cache, policy, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("policy", policy),
		attribute.String("outcome", outcome),
	))
}

// RecordStoreRead records which location satisfied a replicated read.
// source is "local", "network" or "none".
func RecordStoreRead(ctx context.Context, mode, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeReadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("source", source),
	))
}

// RecordNetworkWrite records the Network leg of a replicated write.
// outcome is "success", "skipped" or "error".
func RecordNetworkWrite(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeNetworkWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordSync records one Network to Local sync.
// outcome is one of "copied", "unchanged", "kept", "missing" and "error".
func RecordSync(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.syncTotal.Add(ctx, 1, attrs)
	globalMetrics.syncDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFlushRun records one flush run of all write-back caches.
func RecordFlushRun(ctx context.Context, trigger string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	globalMetrics.flushRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.flushDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFlushEntries records the number of entries one cache flushed.
func RecordFlushEntries(ctx context.Context, cache string, flushed, failed int) {
	if globalMetrics == nil {
		return
	}
	if flushed > 0 {
		globalMetrics.flushEntriesTotal.Add(ctx, int64(flushed), metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("outcome", "success"),
		))
	}
	if failed > 0 {
		globalMetrics.flushEntriesTotal.Add(ctx, int64(failed), metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("outcome", "error"),
		))
	}
}

// RecordNetworkState records the current availability state and, when
// changed is true, a transition into it.
func RecordNetworkState(ctx context.Context, available, changed bool) {
	if globalMetrics == nil {
		return
	}
	state := "unavailable"
	var v int64
	if available {
		state = "available"
		v = 1
	}
	globalMetrics.networkAvailable.Record(ctx, v)
	if changed {
		globalMetrics.networkTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", state)))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
