package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewTracerFromProvider(tp, "test"), sr
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestStartJobSpan_Attributes(t *testing.T) {
	tracer, sr := newRecordingTracer()

	_, span := tracer.StartJobSpan(context.Background(), SpanSubmit, JobAttrs{Type: "data", TraceID: "client-1"})
	AnnotateJob(span, JobAttrs{ID: "J1"})
	EndSpan(span, nil)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != SpanSubmit {
		t.Errorf("Name = %q, want %q", s.Name(), SpanSubmit)
	}
	attrs := attrMap(s.Attributes())
	if attrs[AttrJobID] != "J1" || attrs[AttrJobType] != "data" || attrs[AttrTraceID] != "client-1" {
		t.Errorf("attributes = %v", attrs)
	}
	if _, ok := attrs[AttrAgentID]; ok {
		t.Error("empty agent id should be omitted")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("Status = %v, want Ok", s.Status().Code)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	tracer, sr := newRecordingTracer()

	_, span := tracer.StartPublishSpan(context.Background(), SpanRedeliver, "task.data", JobAttrs{ID: "J1"})
	EndSpan(span, errors.New("bus down"))

	s := sr.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "bus down" {
		t.Errorf("Status = %+v", s.Status())
	}
	if len(s.Events()) == 0 {
		t.Error("expected error event on span")
	}
	if attrMap(s.Attributes())[AttrSubject] != "task.data" {
		t.Errorf("missing subject attribute: %v", s.Attributes())
	}
}

func TestGetTracer_DefaultNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tracer := GetTracer()
	_, span := tracer.StartSpan(context.Background(), "x")
	EndSpan(span, nil)
}

func TestInitProvider_Noop(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}
	if p.Tracer() == nil || GetTracer() != p.Tracer() {
		t.Error("noop provider should install the global tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
}

func TestInitProvider_Stdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "taskmesh-test",
		Exporter:    "stdout",
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}

	_, span := p.Tracer().StartJobSpan(context.Background(), SpanResult, JobAttrs{ID: "J1"})
	EndSpan(span, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(SpanResult)) {
		t.Errorf("exported output missing span name: %s", buf.String())
	}
	SetGlobalTracer(nil)
}

func TestInitProvider_UnknownExporter(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{Exporter: "zipkin"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
