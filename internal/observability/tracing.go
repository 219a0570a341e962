// Package observability installs the OpenTelemetry tracer provider used by
// the pipeline's stage and provider spans.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sunrich/adreel/pipeline"
)

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Options tune Setup.
type Options struct {
	Service string
	Version string
	// Writer receives spans from the stdout exporter. Defaults to os.Stderr.
	Writer io.Writer
}

// Setup installs a global tracer provider for cfg.Exporter. The "none"
// exporter installs a no-op provider.
func Setup(ctx context.Context, cfg pipeline.TracingConfig, opts Options) (ShutdownFunc, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" || name == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, name, cfg.Endpoint, opts.Writer)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(opts.Service),
		semconv.ServiceVersionKey.String(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("github.com/sunrich/adreel").Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, name, endpoint string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case "otlphttp":
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("invalid tracing exporter '%s': must be one of [none stdout otlphttp]", name)
}
