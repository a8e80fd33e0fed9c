package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// maxCapturedErrors bounds the in-process error buffer.
const maxCapturedErrors = 100

// CapturedError is one enriched error event held by the in-process
// error tracker.
type CapturedError struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Service   string         `json:"service"`
	Env       string         `json:"environment"`
	User      string         `json:"user,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Tags      map[string]string         `json:"tags,omitempty"`
	Contexts  map[string]map[string]any `json:"contexts,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// capture builds the enriched event and fans it out per the errors
// route. level is "error" for CaptureError and caller-chosen for
// CaptureMessage.
func (f *Facade) capture(ctx context.Context, level, message string, extra map[string]any) {
	f.mu.Lock()
	if !f.ready() {
		f.mu.Unlock()
		logging.L_debug("observability: capture before init, dropping", "message", message)
		return
	}
	route := f.cfg.Routing.Errors
	errorTrackerOn := f.cfg.ErrorTrackerEnabled
	metricsOn := f.cfg.MetricsTrackerEnabled

	ev := CapturedError{
		Timestamp: time.Now(),
		Message:   message,
		Level:     level,
		Service:   f.cfg.ServiceName,
		Env:       f.cfg.Environment,
		User:      f.user,
		Extra:     extra,
	}
	if len(f.tags) > 0 {
		ev.Tags = make(map[string]string, len(f.tags))
		for k, v := range f.tags {
			ev.Tags[k] = v
		}
	}
	if len(f.contexts) > 0 {
		ev.Contexts = make(map[string]map[string]any, len(f.contexts))
		for name, values := range f.contexts {
			inner := make(map[string]any, len(values))
			for k, v := range values {
				inner[k] = v
			}
			ev.Contexts[name] = inner
		}
	}
	if tc := GetTraceContext(ctx); tc != nil {
		ev.TraceID = tc.TraceID
		ev.SpanID = tc.SpanID
	}

	if route.includesErrorTracker() && errorTrackerOn {
		f.captured = append(f.captured, ev)
		if len(f.captured) > maxCapturedErrors {
			f.captured = f.captured[len(f.captured)-maxCapturedErrors:]
		}
	}
	f.mu.Unlock()

	if route.includesErrorTracker() && errorTrackerOn {
		if level == "error" {
			logging.L_error("observability: captured error", "message", message, "service", ev.Service, "trace", ev.TraceID)
		} else {
			logging.L_info("observability: captured message", "message", message, "level", level)
		}
	}
	if route.includesMetricsTracker() && metricsOn {
		if inst := f.counter("observability.events_captured"); inst != nil {
			inst.Add(ctx, 1, metric.WithAttributes(labelAttrs(map[string]string{"level": level})...))
		}
	}
}

// CaptureError reports err to the routed backend(s), enriched with
// service metadata, ambient tags/contexts and the active trace ids.
// A nil error is ignored.
func (f *Facade) CaptureError(ctx context.Context, err error, extra map[string]any) {
	if err == nil {
		return
	}
	f.capture(ctx, "error", err.Error(), extra)
}

// CaptureMessage reports a non-error event at the given level.
func (f *Facade) CaptureMessage(ctx context.Context, level, message string) {
	if level == "" {
		level = "info"
	}
	f.capture(ctx, level, message, nil)
}

// CapturedErrors returns a copy of the buffered error events,
// oldest first.
func (f *Facade) CapturedErrors() []CapturedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CapturedError(nil), f.captured...)
}
