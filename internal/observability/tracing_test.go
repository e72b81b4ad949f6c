package observability

import (
	"context"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Tracer() == nil {
		t.Fatalf("tracer must never be nil")
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestStartSessionRecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := StartSession(context.Background(), provider.Tracer(TracerName), SessionSpan{
		Tag:       "tag-1",
		Transport: "tcp",
		Remote:    "127.0.0.1:5000",
	})
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	got := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if ended[0].Name() != "mtrelay.session" || got["mtrelay.session.tag"] != "tag-1" || got["mtrelay.transport"] != "tcp" {
		t.Fatalf("unexpected span %s %v", ended[0].Name(), got)
	}
}

func TestNewSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 5} {
		if got := newSampler(ratio).Description(); got != sdktrace.AlwaysSample().Description() {
			t.Fatalf("ratio %v gave %s", ratio, got)
		}
	}
	if got := newSampler(0.25).Description(); !strings.Contains(got, "TraceIDRatioBased{0.25}") {
		t.Fatalf("ratio 0.25 gave %s", got)
	}
}
