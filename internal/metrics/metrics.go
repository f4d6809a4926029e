package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foodlink/marketplace-core/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// AppMetrics holds all application metrics
type AppMetrics struct {
	// HTTP Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestsErrors  metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Database Metrics
	DBQueriesTotal  metric.Int64Counter
	DBQueryDuration metric.Float64Histogram

	// Reservation Metrics
	PurchasesCreated    metric.Int64Counter
	OfferLinesProcessed metric.Int64Counter
	UnitsReserved       metric.Int64Counter
	UnitsReleased       metric.Int64Counter
	UnitsConsumed       metric.Int64Counter
	ReservationDuration metric.Float64Histogram

	// Lifecycle Metrics
	PurchaseTransitions   metric.Int64Counter
	PurchasesExpired      metric.Int64Counter
	FulfillmentsRecorded  metric.Int64Counter
	ExpirationJobsSkipped metric.Int64Counter

	// Cache Metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	serviceName string
}

// InitMetrics initializes the OTLP meter provider and application instruments
func InitMetrics(ctx context.Context, cfg *config.Config) (*AppMetrics, *sdkmetric.MeterProvider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// WithEndpoint expects host:port without a scheme; WithInsecure selects plain http
	exporterOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.OTELExporterOTLPEndpoint),
		otlpmetrichttp.WithURLPath("/v1/metrics"),
	}
	if cfg.OTELExporterOTLPHeaders != "" {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithHeaders(parseHeaders(cfg.OTELExporterOTLPHeaders)))
	}
	if cfg.OTELExporterOTLPInsecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(10*time.Second),
	)

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meterProvider)

	slog.Info("metrics exporter configured",
		"endpoint", cfg.OTELExporterOTLPEndpoint,
		"path", "/v1/metrics",
		"insecure", cfg.OTELExporterOTLPInsecure,
		"interval", "10s",
	)

	appMetrics, err := NewAppMetrics(meterProvider.Meter(cfg.OTELServiceName), cfg.OTELServiceName)
	if err != nil {
		return nil, nil, err
	}
	return appMetrics, meterProvider, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *AppMetrics {
	m, _ := NewAppMetrics(noop.NewMeterProvider().Meter("noop"), "noop")
	return m
}

// NewAppMetrics creates every application instrument on meter
func NewAppMetrics(meter metric.Meter, serviceName string) (*AppMetrics, error) {
	// SigNoz default histogram buckets in milliseconds, expanded to 60s
	buckets := []float64{2, 4, 6, 8, 10, 50, 100, 200, 400, 800, 1000, 1400, 2000, 5000, 10000, 15000, 20000, 30000, 45000, 60000}

	m := &AppMetrics{serviceName: serviceName}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http.server.request.count", "Total number of HTTP requests"},
		{&m.HTTPRequestsErrors, "http.server.request.error.count", "Total number of HTTP error requests"},
		{&m.DBQueriesTotal, "db.client.queries.count", "Total number of database queries"},
		{&m.PurchasesCreated, "purchases_created_total", "Purchase creation attempts by outcome"},
		{&m.OfferLinesProcessed, "offer_lines_processed_total", "Requested cart lines by processing result"},
		{&m.UnitsReserved, "offer_units_reserved_total", "Units added to offer reservations"},
		{&m.UnitsReleased, "offer_units_released_total", "Units released from offer reservations"},
		{&m.UnitsConsumed, "offer_units_consumed_total", "Reserved units consumed by paid purchases"},
		{&m.PurchaseTransitions, "purchase_status_transitions_total", "Purchase status transitions"},
		{&m.PurchasesExpired, "purchases_expired_total", "Pending purchases cancelled by the reaper"},
		{&m.FulfillmentsRecorded, "purchase_fulfillments_total", "Purchase lines reported by sellers"},
		{&m.ExpirationJobsSkipped, "expiration_jobs_skipped_total", "Expiration checks that found nothing to cancel"},
		{&m.CacheHits, "cache_hits_total", "Total number of cache hits"},
		{&m.CacheMisses, "cache_misses_total", "Total number of cache misses"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.HTTPRequestDuration, "http.server.request.duration", "HTTP request duration in milliseconds"},
		{&m.DBQueryDuration, "db.client.queries.duration", "Database query duration in milliseconds"},
		{&m.ReservationDuration, "purchase_reservation.duration", "Purchase reservation transaction duration in milliseconds"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	return m, nil
}

// WithServiceName adds service.name to attributes
func (m *AppMetrics) WithServiceName(attrs []attribute.KeyValue) []attribute.KeyValue {
	return append(attrs, attribute.String("service.name", m.serviceName))
}

// Add increments counter with the given attributes plus service.name
func (m *AppMetrics) Add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	counter.Add(ctx, n, metric.WithAttributes(m.WithServiceName(attrs)...))
}

// RecordTransition counts a purchase moving between two statuses
func (m *AppMetrics) RecordTransition(ctx context.Context, from, to, trigger string) {
	m.Add(ctx, m.PurchaseTransitions, 1,
		attribute.String("from_status", from),
		attribute.String("to_status", to),
		attribute.String("trigger", trigger),
	)
}

// RecordDBQuery records database query metrics including the SQL statement
func (m *AppMetrics) RecordDBQuery(ctx context.Context, system, operation, table, statement string, start time.Time, success bool) {
	duration := time.Since(start).Milliseconds()

	status := "success"
	if !success {
		status = "error"
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
		attribute.String("db.statement", statement),
		attribute.String("db.system", system),
		attribute.String("status", status),
	}

	m.DBQueriesTotal.Add(ctx, 1, metric.WithAttributes(m.WithServiceName(attrs)...))
	m.DBQueryDuration.Record(ctx, float64(duration), metric.WithAttributes(m.WithServiceName(attrs)...))
}

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	// OTEL_RESOURCE_ATTRIBUTES and friends first, explicit service attributes win
	envRes, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		envRes = resource.Empty()
	}

	explicitRes, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.OTELServiceName),
			semconv.ServiceVersion(cfg.OTELServiceVersion),
			attribute.String("deployment.environment", cfg.OTELDeploymentEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create explicit resource: %w", err)
	}

	res, err := resource.Merge(envRes, explicitRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// parseHeaders parses header string in format "key1=value1,key2=value2"
// and returns a map of headers
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}

	pairs := strings.Split(headerStr, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 {
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return headers
}
