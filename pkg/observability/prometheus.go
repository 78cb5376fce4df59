package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "replheald"

// vector is one lazily registered metric family. The label set is fixed by
// the first measurement; later measurements with a different set are dropped
// rather than panicking inside client_golang.
type vector struct {
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// PrometheusCollector registers metric families on first sight and exposes
// them through a dedicated registry, keeping the process-global default
// registry untouched.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu      sync.Mutex
	vectors map[string]*vector
}

// NewPrometheusCollector builds a collector with an empty registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vectors:  make(map[string]*vector),
	}
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry for the metrics listener.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Collect implements MetricsCollector. Nameless and unknown-typed metrics are
// dropped; the stream must never take down the pass that emits it.
func (c *PrometheusCollector) Collect(metric Metric) {
	if metric.Name == "" {
		return
	}

	labels := prometheus.Labels{}
	for k, v := range metric.Labels {
		labels[k] = v
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.vectors[metric.Name]
	if !ok {
		vec = c.register(metric, names)
		if vec == nil {
			return
		}
	}
	if !sameLabelNames(vec.labels, names) {
		return
	}

	switch {
	case metric.Type == MetricCounter && vec.counter != nil:
		value := metric.Value
		if value < 0 {
			value = 0
		}
		vec.counter.With(labels).Add(value)
	case metric.Type == MetricHistogram && vec.histogram != nil:
		vec.histogram.With(labels).Observe(metric.Value)
	}
}

// register creates and registers the metric family. Callers hold c.mu.
func (c *PrometheusCollector) register(metric Metric, labelNames []string) *vector {
	vec := &vector{labels: labelNames}

	switch metric.Type {
	case MetricCounter:
		vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpFor(metric),
		}, labelNames)
		if err := c.registry.Register(vec.counter); err != nil {
			return nil
		}
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpFor(metric),
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		vec.histogram = prometheus.NewHistogramVec(opts, labelNames)
		if err := c.registry.Register(vec.histogram); err != nil {
			return nil
		}
	default:
		return nil
	}

	c.vectors[metric.Name] = vec
	return vec
}

func helpFor(metric Metric) string {
	if help := strings.TrimSpace(metric.Description); help != "" {
		return help
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sameLabelNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
