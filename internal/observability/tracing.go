package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName scopes the spans emitted by the relay.
	TracerName = "github.com/drksbr/mtrelay"

	defaultOTLPHTTPEndpoint = "localhost:4318"
	batchTimeout            = 5 * time.Second
)

type TracingConfig struct {
	Enabled     bool
	Exporter    string
	ServiceName string
	Environment string
	Endpoint    string
	Insecure    bool
	// SampleRatio in (0,1) traces that fraction of sessions; anything else traces all.
	SampleRatio float64
}

// Tracer returns the relay tracer. It is a no-op until InitTracing installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SessionSpan describes one relay session for its root span.
type SessionSpan struct {
	Tag       string
	Transport string
	Remote    string
}

// StartSession opens the server span covering a session from accept to teardown.
func StartSession(ctx context.Context, tracer trace.Tracer, s SessionSpan) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mtrelay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mtrelay.session.tag", s.Tag),
			attribute.String("mtrelay.transport", s.Transport),
			attribute.String("client.address", s.Remote),
		),
	)
}

// InitTracing installs the global tracer provider. The returned function flushes
// and stops it; it is safe to call when tracing is disabled.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cmpOr(cfg.ServiceName, "mtrelay")),
			semconv.DeploymentEnvironmentKey.String(cmpOr(cfg.Environment, os.Getenv("MTRELAY_ENV"))),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := cmpOr(strings.TrimSpace(cfg.Endpoint), os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "otlp-grpc", "otlp_grpc":
		var opts []otlptracegrpc.Option
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http", "otlp_http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cmpOr(endpoint, defaultOTLPHTTPEndpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

func newSampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

// cmpOr returns the first of its arguments that is not the zero value, or the
// zero value if there is none. It mirrors cmp.Or from Go 1.22+ so the module
// builds with the Go 1.21 toolchain.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
