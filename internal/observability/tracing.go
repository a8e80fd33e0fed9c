package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// TraceContext identifies the active span for log correlation.
type TraceContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// StartSpan starts a span named name under the traces route. The
// returned function ends the span; both are safe no-ops when the
// façade is uninitialized or tracing is routed to a disabled backend.
func (f *Facade) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	f.mu.Lock()
	if !f.ready() {
		f.mu.Unlock()
		return ctx, func() {}
	}
	route := f.cfg.Routing.Traces
	errorTrackerOn := f.cfg.ErrorTrackerEnabled
	metricsOn := f.cfg.MetricsTrackerEnabled
	tracer := f.tracer
	f.mu.Unlock()

	if route.includesErrorTracker() && errorTrackerOn {
		logging.L_debug("observability: span start", "span", name)
	}
	if !route.includesMetricsTracker() || !metricsOn || tracer == nil {
		return ctx, func() {}
	}

	ctx, span := tracer.Start(ctx, name)
	return ctx, func() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordEvent attaches a named event with attributes to the active
// span. Without an active span it degrades to a debug log.
func (f *Facade) RecordEvent(ctx context.Context, name string, fields map[string]any) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		logging.L_debug("observability: event outside span", "event", name)
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		default:
			attrs = append(attrs, attribute.String(k, stringify(val)))
		}
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

// GetTraceContext returns the active span identifiers, or nil when the
// context carries no valid span.
func GetTraceContext(ctx context.Context) *TraceContext {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return &TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}
