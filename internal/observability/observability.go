// Package observability is a process-wide façade that routes errors,
// metrics and traces to the configured backends. Every operation
// degrades to a logged no-op when the façade is uninitialized or the
// routed backend is disabled; a failure on one signal never affects the
// others.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// Route names a backend destination for one signal type.
type Route string

const (
	RouteErrorTracker   Route = "error_tracker"
	RouteMetricsTracker Route = "metrics_tracker"
	RouteBoth           Route = "both"
)

func (r Route) valid() bool {
	switch r {
	case RouteErrorTracker, RouteMetricsTracker, RouteBoth:
		return true
	}
	return false
}

func (r Route) includesErrorTracker() bool {
	return r == RouteErrorTracker || r == RouteBoth
}

func (r Route) includesMetricsTracker() bool {
	return r == RouteMetricsTracker || r == RouteBoth
}

// RoutingConfig maps each signal type to its backend(s).
type RoutingConfig struct {
	Errors  Route `yaml:"errors"`
	Metrics Route `yaml:"metrics"`
	Traces  Route `yaml:"traces"`
}

// DefaultRouting returns the shipped routing policy.
func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		Errors:  RouteErrorTracker,
		Metrics: RouteMetricsTracker,
		Traces:  RouteMetricsTracker,
	}
}

// Config configures the façade.
type Config struct {
	ErrorTrackerEnabled   bool          `yaml:"error_tracker_enabled"`
	MetricsTrackerEnabled bool          `yaml:"metrics_tracker_enabled"`
	ServiceName           string        `yaml:"service_name"`
	Environment           string        `yaml:"environment"`
	Routing               RoutingConfig `yaml:"routing"`
}

// DefaultConfig returns a fully enabled façade configuration.
func DefaultConfig() Config {
	return Config{
		ErrorTrackerEnabled:   true,
		MetricsTrackerEnabled: true,
		ServiceName:           "mindforge",
		Environment:           "development",
		Routing:               DefaultRouting(),
	}
}

// Facade routes observability signals. Zero value is a safe no-op.
type Facade struct {
	mu          sync.Mutex
	initialized bool
	cfg         Config

	meter  metric.Meter
	tracer trace.Tracer

	counters       map[string]metric.Float64Counter
	histograms     map[string]metric.Float64Histogram
	updownCounters map[string]metric.Float64UpDownCounter

	// gauges holds the observable-gauge state: per metric, a mapping of
	// serialized label tuple to current value. The export callback copies
	// this under the façade lock; writers mutate it under the same lock.
	gauges map[string]*gaugeState

	user     string
	tags     map[string]string
	contexts map[string]map[string]any

	captured []CapturedError
}

// defaultFacade is the process-wide instance behind the package-level
// functions.
var defaultFacade = &Facade{}

// Default returns the process-wide façade.
func Default() *Facade {
	return defaultFacade
}

// Init configures the façade. Invalid routes fall back to defaults with
// a warning.
func (f *Facade) Init(cfg Config) {
	defaults := DefaultRouting()
	if !cfg.Routing.Errors.valid() {
		if cfg.Routing.Errors != "" {
			logging.L_warn("observability: invalid errors route, using default", "route", cfg.Routing.Errors)
		}
		cfg.Routing.Errors = defaults.Errors
	}
	if !cfg.Routing.Metrics.valid() {
		if cfg.Routing.Metrics != "" {
			logging.L_warn("observability: invalid metrics route, using default", "route", cfg.Routing.Metrics)
		}
		cfg.Routing.Metrics = defaults.Metrics
	}
	if !cfg.Routing.Traces.valid() {
		if cfg.Routing.Traces != "" {
			logging.L_warn("observability: invalid traces route, using default", "route", cfg.Routing.Traces)
		}
		cfg.Routing.Traces = defaults.Traces
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mindforge"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.cfg = cfg
	f.meter = otel.GetMeterProvider().Meter(cfg.ServiceName)
	f.tracer = otel.Tracer(cfg.ServiceName)
	f.counters = make(map[string]metric.Float64Counter)
	f.histograms = make(map[string]metric.Float64Histogram)
	f.updownCounters = make(map[string]metric.Float64UpDownCounter)
	f.gauges = make(map[string]*gaugeState)
	f.tags = make(map[string]string)
	f.contexts = make(map[string]map[string]any)
	f.initialized = true

	logging.L_info("observability: initialized",
		"service", cfg.ServiceName,
		"errorTracker", cfg.ErrorTrackerEnabled,
		"metricsTracker", cfg.MetricsTrackerEnabled,
		"routeErrors", cfg.Routing.Errors,
		"routeMetrics", cfg.Routing.Metrics,
		"routeTraces", cfg.Routing.Traces)
}

// ready reports (under lock) whether the façade can do anything at all.
func (f *Facade) ready() bool {
	return f.initialized
}

// SetUser attaches a user identifier to future error captures.
func (f *Facade) SetUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		logging.L_debug("observability: SetUser before init, ignoring")
		return
	}
	f.user = id
}

// SetTag attaches a key/value tag to future error captures.
func (f *Facade) SetTag(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		logging.L_debug("observability: SetTag before init, ignoring")
		return
	}
	f.tags[key] = value
}

// SetContext attaches a named context payload to future error captures.
func (f *Facade) SetContext(name string, values map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		logging.L_debug("observability: SetContext before init, ignoring")
		return
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	f.contexts[name] = copied
}

// Flush gives backends a chance to drain buffered signals. The
// in-process backends hold nothing asynchronous, so this only logs.
func (f *Facade) Flush(timeout time.Duration) {
	f.mu.Lock()
	initialized := f.initialized
	f.mu.Unlock()
	if !initialized {
		logging.L_debug("observability: Flush before init, ignoring")
		return
	}
	logging.L_debug("observability: flush", "timeout", timeout)
}

// Shutdown disables the façade and clears all accumulated state. It
// never fails: state is cleared even if a backend misbehaves.
func (f *Facade) Shutdown(ctx context.Context) {
	f.mu.Lock()
	gauges := f.gauges
	f.gauges = nil
	f.mu.Unlock()

	// Unregister outside the lock: an in-flight export callback takes
	// the same mutex to copy gauge samples.
	for name, g := range gauges {
		if g.registration != nil {
			if err := g.registration.Unregister(); err != nil {
				logging.L_warn("observability: gauge unregister failed", "metric", name, "error", err)
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.counters = nil
	f.histograms = nil
	f.updownCounters = nil
	f.gauges = nil
	f.tags = nil
	f.contexts = nil
	f.captured = nil
	f.user = ""
	logging.L_info("observability: shut down")
}
