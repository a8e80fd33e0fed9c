package observability

import (
	"context"
	"time"
)

// Package-level helpers delegating to the process-wide façade, for
// call sites that do not carry a *Facade.

func Init(cfg Config) { defaultFacade.Init(cfg) }

func CaptureError(ctx context.Context, err error, extra map[string]any) {
	defaultFacade.CaptureError(ctx, err, extra)
}

func CaptureMessage(ctx context.Context, level, message string) {
	defaultFacade.CaptureMessage(ctx, level, message)
}

func RecordMetric(ctx context.Context, name string, value float64, mType MetricType, labels map[string]string) {
	defaultFacade.RecordMetric(ctx, name, value, mType, labels)
}

func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return defaultFacade.StartSpan(ctx, name)
}

func RecordEvent(ctx context.Context, name string, fields map[string]any) {
	defaultFacade.RecordEvent(ctx, name, fields)
}

func SetUser(id string) { defaultFacade.SetUser(id) }

func SetTag(key, value string) { defaultFacade.SetTag(key, value) }

func SetContext(name string, values map[string]any) { defaultFacade.SetContext(name, values) }

func Flush(timeout time.Duration) { defaultFacade.Flush(timeout) }

func Shutdown(ctx context.Context) { defaultFacade.Shutdown(ctx) }
