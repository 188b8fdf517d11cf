package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the OpenTelemetry tracer for the service. Span export is
// whatever provider the deployment installs globally; without one, spans are
// no-ops with zero overhead.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer named for the service.
func NewTracer(serviceName string) *Tracer {
	if serviceName == "" {
		serviceName = "atrium"
	}
	return &Tracer{tracer: otel.Tracer(serviceName)}
}

// Start opens a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes the span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
