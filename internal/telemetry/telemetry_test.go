package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agentcouncil/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "dev")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), config.TelemetryConfig{Enabled: true}, "dev"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExporterOptions(t *testing.T) {
	for _, ep := range []string{"", "http://collector:4318", "collector:4318"} {
		if _, err := exporterOptions(config.TelemetryConfig{OTLPEndpoint: ep}); err != nil {
			t.Fatalf("endpoint %q: %v", ep, err)
		}
	}
	if _, err := exporterOptions(config.TelemetryConfig{OTLPEndpoint: "http://"}); err == nil {
		t.Fatalf("expected error for endpoint without host")
	}
}

func TestTracerProviderCarriesService(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := newTracerProvider(exp, "agent-council", "v0")
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "council.task.dispatch")
	span.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "council.task.dispatch" {
		t.Fatalf("unexpected spans %v", spans)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") {
			service = kv.Value.AsString()
		}
	}
	if service != "agent-council" {
		t.Fatalf("expected service.name agent-council, got %q", service)
	}
}
