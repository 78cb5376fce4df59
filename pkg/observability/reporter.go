package observability

import "context"

// Logger is the sink side of event reporting. The only production
// implementation is the zerolog backend; tests plug in capture functions.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Reporter consumes component events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to the provided logger and metrics
// collector, enriching them with node and component context.
type StructuredReporter struct {
	node      string
	component string
	logger    Logger
	metrics   MetricsCollector
}

// NewStructuredReporter builds a reporter for the named component.
func NewStructuredReporter(nodeName, component string, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		node:      nodeName,
		component: component,
		logger:    logger,
		metrics:   metrics,
	}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Node == "" {
		cloned.Node = r.node
	}
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
