// Package otelutil installs the global tracer provider.
package otelutil

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"opusdemux/internal/config"
)

// TracerName is used for every span this module starts.
const TracerName = "opusdemux"

// ErrNoExporter is returned by Init when tracing is not configured.
var ErrNoExporter = errors.New("no OTEL exporter configured: set OD_OTEL_OTLP_ENDPOINT or OD_OTEL_STDOUT=1")

var tp *sdktrace.TracerProvider

// Init installs a global tracer provider. The OTLP/gRPC exporter wins over
// stdout when both are configured. Callers may ignore ErrNoExporter.
func Init(cfg config.OTel) error {
	ctx := context.Background()

	name := cfg.ServiceName
	if name == "" {
		name = TracerName
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String(name),
	))
	if err != nil {
		return errors.Wrap(err, "otel resource")
	}

	if cfg.OTLPEndpoint != "" {
		return initWithOTLP(ctx, res, cfg)
	}
	if cfg.Stdout {
		return initWithStdout(res)
	}
	return ErrNoExporter
}

func initWithOTLP(ctx context.Context, res *sdkresource.Resource, cfg config.OTel) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if m := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(m) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(m))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return errors.Wrapf(err, "otlp exporter %v", cfg.OTLPEndpoint)
	}
	install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	return nil
}

func initWithStdout(res *sdkresource.Resource) error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return errors.Wrap(err, "stdout exporter")
	}
	install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	return nil
}

func install(p *sdktrace.TracerProvider) {
	tp = p
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// parseHeaders reads the comma-separated key=val list used by
// OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(s string) map[string]string {
	m := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && strings.TrimSpace(k) != "" {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m
}

// Tracer returns the module tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Flush gracefully shuts down the tracer provider, flushing any pending spans.
// It is safe to call multiple times.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
