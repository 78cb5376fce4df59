// Package observability carries the event and metric stream every healing
// phase emits: scope resolution, cache decisions, per-node collection,
// classification, eligibility, repair outcomes, and verification verdicts.
package observability

import "time"

// Level is the severity attached to an event.
type Level string

const (
	// LevelInfo marks routine phase progress.
	LevelInfo Level = "info"
	// LevelWarn marks findings an operator should look at: classified
	// issues, deferred repairs, an active kill switch.
	LevelWarn Level = "warn"
	// LevelError marks failures that ended or degraded a pass.
	LevelError Level = "error"
)

// Event is one structured log entry from a healing pass. Node carries the
// fleet node the entry is about when there is one; Component names the
// emitting subsystem (orchestrator, snapshot, policy, verify).
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone copies the event including its fields map. Reporters enrich events
// before forwarding them; the caller's map must stay untouched.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}

// MetricType selects the aggregation a collector applies.
type MetricType string

const (
	// MetricCounter accumulates occurrence counts, e.g. repairs per outcome.
	MetricCounter MetricType = "counter"
	// MetricHistogram records phase durations into buckets.
	MetricHistogram MetricType = "histogram"
)

// Metric is one measurement from a healing pass, described fully enough for
// a collector to register it on first sight.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector consumes measurements for aggregation or export.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// NoopCollector discards all measurements.
type NoopCollector struct{}

// Collect implements MetricsCollector.
func (NoopCollector) Collect(Metric) {}

var _ MetricsCollector = MetricsCollectorFunc(nil)
var _ MetricsCollector = NoopCollector{}
