package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not registered", name)
	return nil
}

func TestCounterAccumulatesAcrossPasses(t *testing.T) {
	c := NewPrometheusCollector()
	for range [3]struct{}{} {
		c.Collect(Metric{
			Name:        "run_outcomes_total",
			Type:        MetricCounter,
			Value:       1,
			Labels:      map[string]string{"status": "issues_remain"},
			Description: "Number of orchestration passes grouped by outcome status.",
		})
	}

	family := gatherFamily(t, c, "replheald_run_outcomes_total")
	if len(family.Metric) != 1 {
		t.Fatalf("expected one sample, got %d", len(family.Metric))
	}
	sample := family.Metric[0]
	if got := sample.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected three increments, got %v", got)
	}
	if labels := sample.GetLabel(); len(labels) != 1 || labels[0].GetValue() != "issues_remain" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestHistogramRecordsPhaseDurations(t *testing.T) {
	c := NewPrometheusCollector()
	for _, seconds := range []float64{0.5, 1.25} {
		c.Collect(Metric{
			Name:        "collection_phase_seconds",
			Type:        MetricHistogram,
			Value:       seconds,
			Labels:      map[string]string{"result": "success"},
			Description: "Duration of the snapshot collection phase.",
			Unit:        "seconds",
		})
	}

	family := gatherFamily(t, c, "replheald_collection_phase_seconds")
	sample := family.Metric[0]
	hist := sample.GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected two observations, got %d", hist.GetSampleCount())
	}
	if sum := hist.GetSampleSum(); sum < 1.74 || sum > 1.76 {
		t.Fatalf("expected sum 1.75, got %v", sum)
	}

	unitRecorded := false
	for _, label := range sample.GetLabel() {
		if label.GetName() == "unit" && label.GetValue() == "seconds" {
			unitRecorded = true
		}
	}
	if !unitRecorded {
		t.Fatalf("expected unit const label, got %+v", sample.GetLabel())
	}
}

func TestMismatchedLabelSetIsDropped(t *testing.T) {
	c := NewPrometheusCollector()
	c.Collect(Metric{
		Name:   "repairs_deferred_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"reason": "window_closed"},
	})
	// The label set is fixed on first registration; divergent sets must not
	// panic inside the client library.
	c.Collect(Metric{
		Name:   "repairs_deferred_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"reason": "window_closed", "node": "dc01"},
	})

	family := gatherFamily(t, c, "replheald_repairs_deferred_total")
	if got := family.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected mismatched sample to be dropped, got %v", got)
	}
}

func TestNamelessAndUnknownMetricsAreIgnored(t *testing.T) {
	c := NewPrometheusCollector()
	c.Collect(Metric{Type: MetricCounter, Value: 1})
	c.Collect(Metric{Name: "odd_gauge", Type: MetricType("gauge"), Value: 1})

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 0 {
		t.Fatalf("expected empty registry, got %+v", families)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c := NewPrometheusCollector()
	c.Collect(Metric{
		Name:  "kill_switch_checks_total",
		Type:  MetricCounter,
		Value: 1,
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "replheald_kill_switch_checks_total") {
		t.Fatalf("expected scrape output to contain the counter, got:\n%s", body)
	}
}
