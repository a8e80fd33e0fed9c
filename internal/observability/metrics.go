package observability

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// MetricType selects the instrument kind for RecordMetric.
type MetricType string

const (
	MetricCounter       MetricType = "counter"
	MetricHistogram     MetricType = "histogram"
	MetricGauge         MetricType = "gauge"
	MetricUpDownCounter MetricType = "updown_counter"
)

// metricNameRe is the accepted metric naming convention. Names that
// fail it are still recorded, just warned about.
var metricNameRe = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)

// highCardinalityLabelRe flags label names that tend to explode series
// cardinality when used as metric dimensions.
var highCardinalityLabelRe = regexp.MustCompile(`(?i)(user.?id|request.?id|session.?id|trace.?id|span.?id|uuid|email|time.?stamp|ip.?addr|address)`)

// gaugeState backs one observable gauge. values maps a serialized
// label tuple to its latest sample; the export callback copies it under
// the façade lock.
type gaugeState struct {
	instrument   metric.Float64ObservableGauge
	registration metric.Registration
	values       map[string]gaugeSample
}

type gaugeSample struct {
	value float64
	attrs []attribute.KeyValue
}

func validateMetricName(name string) {
	if !metricNameRe.MatchString(name) {
		logging.L_warn("observability: metric name violates naming convention", "metric", name)
	}
}

func warnHighCardinality(name string, labels map[string]string) {
	for key := range labels {
		if highCardinalityLabelRe.MatchString(key) {
			logging.L_warn("observability: high-cardinality label on metric", "metric", name, "label", key)
		}
	}
}

func labelAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

// labelKey serializes a label set deterministically for the gauge map.
func labelKey(attrs []attribute.KeyValue) string {
	var b strings.Builder
	for i, a := range attrs {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(string(a.Key))
		b.WriteByte('=')
		b.WriteString(a.Value.Emit())
	}
	return b.String()
}

// RecordMetric records one sample of the named metric. Unknown metric
// types, uninitialized façades and disabled backends degrade to logged
// no-ops.
func (f *Facade) RecordMetric(ctx context.Context, name string, value float64, mType MetricType, labels map[string]string) {
	validateMetricName(name)
	warnHighCardinality(name, labels)

	f.mu.Lock()
	if !f.ready() {
		f.mu.Unlock()
		logging.L_debug("observability: RecordMetric before init, dropping", "metric", name)
		return
	}
	route := f.cfg.Routing.Metrics
	errorTrackerOn := f.cfg.ErrorTrackerEnabled
	metricsOn := f.cfg.MetricsTrackerEnabled
	f.mu.Unlock()

	if route.includesErrorTracker() && errorTrackerOn {
		logging.L_debug("observability: metric", "metric", name, "value", value, "type", mType, "labels", labels)
	}
	if !route.includesMetricsTracker() || !metricsOn {
		return
	}

	attrs := labelAttrs(labels)
	switch mType {
	case MetricCounter:
		if inst := f.counter(name); inst != nil {
			inst.Add(ctx, value, metric.WithAttributes(attrs...))
		}
	case MetricHistogram:
		if inst := f.histogram(name); inst != nil {
			inst.Record(ctx, value, metric.WithAttributes(attrs...))
		}
	case MetricUpDownCounter:
		if inst := f.updownCounter(name); inst != nil {
			inst.Add(ctx, value, metric.WithAttributes(attrs...))
		}
	case MetricGauge:
		f.setGauge(name, value, attrs)
	default:
		logging.L_warn("observability: unknown metric type, dropping", "metric", name, "type", mType)
	}
}

func (f *Facade) counter(name string) metric.Float64Counter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		return nil
	}
	if inst, ok := f.counters[name]; ok {
		return inst
	}
	inst, err := f.meter.Float64Counter(name)
	if err != nil {
		logging.L_warn("observability: counter creation failed", "metric", name, "error", err)
		return nil
	}
	f.counters[name] = inst
	return inst
}

func (f *Facade) histogram(name string) metric.Float64Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		return nil
	}
	if inst, ok := f.histograms[name]; ok {
		return inst
	}
	inst, err := f.meter.Float64Histogram(name)
	if err != nil {
		logging.L_warn("observability: histogram creation failed", "metric", name, "error", err)
		return nil
	}
	f.histograms[name] = inst
	return inst
}

func (f *Facade) updownCounter(name string) metric.Float64UpDownCounter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		return nil
	}
	if inst, ok := f.updownCounters[name]; ok {
		return inst
	}
	inst, err := f.meter.Float64UpDownCounter(name)
	if err != nil {
		logging.L_warn("observability: updown counter creation failed", "metric", name, "error", err)
		return nil
	}
	f.updownCounters[name] = inst
	return inst
}

// setGauge stores the latest sample for the label tuple and registers
// the observable instrument on first use. The callback reads a copy of
// the samples taken under the façade lock so exports never race writers.
func (f *Facade) setGauge(name string, value float64, attrs []attribute.KeyValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready() {
		return
	}

	g, ok := f.gauges[name]
	if !ok {
		inst, err := f.meter.Float64ObservableGauge(name)
		if err != nil {
			logging.L_warn("observability: gauge creation failed", "metric", name, "error", err)
			return
		}
		g = &gaugeState{instrument: inst, values: make(map[string]gaugeSample)}
		reg, err := f.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			for _, sample := range f.gaugeSamples(name) {
				o.ObserveFloat64(inst, sample.value, metric.WithAttributes(sample.attrs...))
			}
			return nil
		}, inst)
		if err != nil {
			logging.L_warn("observability: gauge callback registration failed", "metric", name, "error", err)
			return
		}
		g.registration = reg
		f.gauges[name] = g
	}

	g.values[labelKey(attrs)] = gaugeSample{value: value, attrs: attrs}
}

// gaugeSamples copies the current samples for one gauge under lock.
func (f *Facade) gaugeSamples(name string) []gaugeSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gauges[name]
	if !ok {
		return nil
	}
	out := make([]gaugeSample, 0, len(g.values))
	for _, s := range g.values {
		out = append(out, s)
	}
	return out
}
