// OpenTelemetry tracing for job lifecycle spans.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanSubmit    = "dispatch.submit"
	SpanRedeliver = "dispatch.redeliver"
	SpanResult    = "collector.result"
	SpanClaim     = "collector.claim"
	SpanAgentTask = "agent.task"
)

// Attribute keys.
const (
	AttrJobID     = "job.id"
	AttrJobType   = "job.type"
	AttrTraceID   = "job.trace_id"
	AttrJobStatus = "job.status"
	AttrAgentID   = "agent.id"
	AttrSubject   = "bus.subject"
)

// Tracer wraps OpenTelemetry tracing with job-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Job Spans ---

// JobAttrs identifies the job a span is about. Empty fields are omitted.
type JobAttrs struct {
	ID      string
	Type    string
	TraceID string
	Status  string
	AgentID string
}

func (a JobAttrs) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if a.ID != "" {
		attrs = append(attrs, attribute.String(AttrJobID, a.ID))
	}
	if a.Type != "" {
		attrs = append(attrs, attribute.String(AttrJobType, a.Type))
	}
	if a.TraceID != "" {
		attrs = append(attrs, attribute.String(AttrTraceID, a.TraceID))
	}
	if a.Status != "" {
		attrs = append(attrs, attribute.String(AttrJobStatus, a.Status))
	}
	if a.AgentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, a.AgentID))
	}
	return attrs
}

// StartJobSpan starts a span carrying the job attributes known so far.
func (t *Tracer) StartJobSpan(ctx context.Context, name string, job JobAttrs) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(job.attributes()...),
	)
}

// StartPublishSpan starts a producer span for a bus publish.
func (t *Tracer) StartPublishSpan(ctx context.Context, name, subject string, job JobAttrs) (context.Context, trace.Span) {
	attrs := append(job.attributes(), attribute.String(AttrSubject, subject))
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// AnnotateJob adds job attributes learned after the span started.
func AnnotateJob(span trace.Span, job JobAttrs) {
	span.SetAttributes(job.attributes()...)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
