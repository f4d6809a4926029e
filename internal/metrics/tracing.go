package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foodlink/marketplace-core/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing installs a batching OTLP tracer provider as the global provider
func InitTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTELExporterOTLPEndpoint),
	}
	if cfg.OTELExporterOTLPHeaders != "" {
		opts = append(opts, otlptracehttp.WithHeaders(parseHeaders(cfg.OTELExporterOTLPHeaders)))
	}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)

	slog.Info("trace exporter configured", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return tp, nil
}
