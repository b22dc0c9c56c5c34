package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func initRecorded(t *testing.T, cfg Config) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	cfg.Enabled = true
	if cfg.Exporter == "" {
		cfg.Exporter = "none"
	}
	p, err := Init(context.Background(), cfg, WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, rec
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled config must not build an sdk tracer provider")
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider must expose tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_ResourceAttributes(t *testing.T) {
	p, _ := initRecorded(t, Config{
		ServiceVersion: "v9.9.9",
		Attributes:     map[string]string{"clawgov.main_group": "main"},
	})
	got := map[attribute.Key]string{}
	for _, kv := range p.Resource.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	if got[semconv.ServiceNameKey] != "clawgov" {
		t.Fatalf("service.name = %q", got[semconv.ServiceNameKey])
	}
	if got[semconv.ServiceVersionKey] != "v9.9.9" {
		t.Fatalf("service.version = %q", got[semconv.ServiceVersionKey])
	}
	if got["clawgov.main_group"] != "main" {
		t.Fatalf("main group attribute missing: %v", got)
	}
}

func TestInit_CustomServiceName(t *testing.T) {
	p, _ := initRecorded(t, Config{ServiceName: "gov-staging"})
	for _, kv := range p.Resource.Attributes() {
		if kv.Key == semconv.ServiceNameKey && kv.Value.AsString() != "gov-staging" {
			t.Fatalf("service.name = %q", kv.Value.AsString())
		}
	}
}

func TestClampRate(t *testing.T) {
	cases := map[float64]float64{0: 1, -2: 1, 0.25: 0.25, 1: 1, 7: 1}
	for in, want := range cases {
		if got := clampRate(in); got != want {
			t.Errorf("clampRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSpanHelpers_RecordKindsAndErrors(t *testing.T) {
	p, rec := initRecorded(t, Config{})

	_, internal := StartSpan(context.Background(), p.Tracer, "gov.transition",
		AttrCaller.String("dev"), AttrTaskID.String("T-1"))
	EndSpan(internal, nil)

	_, server := StartServerSpan(context.Background(), p.Tracer, "ipc.ext_call")
	EndSpan(server, nil)

	_, client := StartClientSpan(context.Background(), p.Tracer, "provider.mock.read_stuff",
		AttrProvider.String("mock"), AttrAction.String("read_stuff"))
	EndSpan(client, errors.New("provider exploded"))

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 ended spans, got %d", len(spans))
	}
	wantKinds := []trace.SpanKind{trace.SpanKindInternal, trace.SpanKindServer, trace.SpanKindClient}
	for i, s := range spans {
		if s.SpanKind() != wantKinds[i] {
			t.Errorf("span %s kind = %v, want %v", s.Name(), s.SpanKind(), wantKinds[i])
		}
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful span marked as error")
	}
	if spans[2].Status().Code != codes.Error {
		t.Errorf("failed span status = %v", spans[2].Status())
	}
	var sawCaller bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == AttrCaller && kv.Value.AsString() == "dev" {
			sawCaller = true
		}
	}
	if !sawCaller {
		t.Error("caller attribute missing from internal span")
	}
}

func TestDecision_DenialIsEventNotError(t *testing.T) {
	p, rec := initRecorded(t, Config{})

	_, span := StartServerSpan(context.Background(), p.Tracer, "broker.call")
	Decision(span, "denied", "INSUFFICIENT_ACCESS")
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	s := ended[0]
	if s.Status().Code == codes.Error {
		t.Fatal("denial must not mark the span as an error")
	}
	events := s.Events()
	if len(events) != 1 || events[0].Name != EventDenied {
		t.Fatalf("events = %#v", events)
	}
	var reason string
	for _, kv := range s.Attributes() {
		if kv.Key == AttrReason {
			reason = kv.Value.AsString()
		}
	}
	if reason != "INSUFFICIENT_ACCESS" {
		t.Fatalf("reason attribute = %q", reason)
	}
}
