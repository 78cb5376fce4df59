// Package verify re-queries nodes after remediation and condenses several
// independent signals into one weighted health verdict per node.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/replheald/replheald/pkg/observability"
	"github.com/replheald/replheald/pkg/replication"
)

// Verdict is the overall health call for one node.
type Verdict string

const (
	// VerdictHealthy means the weighted ratio cleared the healthy threshold.
	VerdictHealthy Verdict = "healthy"
	// VerdictDegraded means the node improved past the lower threshold but is
	// not yet healthy. It is only meaningful for nodes that entered
	// verification with known issues.
	VerdictDegraded Verdict = "degraded"
	// VerdictFailed means the node is still failing verification.
	VerdictFailed Verdict = "failed"
	// VerdictUnknown means no signal could run, so no call is possible. An
	// unverifiable node is never reported healthy.
	VerdictUnknown Verdict = "unknown"
)

// Outcome is the per-signal result.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	// OutcomeInconclusive marks a signal that could not run. Inconclusive
	// signals are excluded from the denominator rather than counted against
	// the node.
	OutcomeInconclusive Outcome = "inconclusive"
)

// SignalResult is one signal's contribution to a node verdict.
type SignalResult struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	// Note carries structurally stale findings that were down-weighted
	// instead of failing the signal.
	Note string `json:"note,omitempty"`
}

// Result is the verdict for one node.
type Result struct {
	Node       string         `json:"node"`
	Signals    []SignalResult `json:"signals"`
	Achieved   float64        `json:"achieved_weight"`
	Available  float64        `json:"available_weight"`
	Ratio      float64        `json:"ratio"`
	Verdict    Verdict        `json:"verdict"`
	PriorIssue bool           `json:"prior_issue"`
}

// Signal is one independent verification method.
type Signal interface {
	Name() string
	Weight() float64
	Check(ctx context.Context, node string) SignalResult
}

const (
	// DefaultHealthyRatio is the ratio at or above which a node is healthy.
	DefaultHealthyRatio = 0.6
	// DefaultImprovedRatio is the ratio at or above which a previously
	// unhealthy node counts as improved.
	DefaultImprovedRatio = 0.3
	// DefaultStaleFailureAge is the age past which a failure record is
	// treated as a note instead of a current failure.
	DefaultStaleFailureAge = 7 * 24 * time.Hour
)

// Verifier combines signal outcomes into per-node verdicts.
type Verifier struct {
	signals    []Signal
	healthyAt  float64
	improvedAt float64
	reporter   observability.Reporter
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithThresholds overrides the healthy and improved ratio bounds.
func WithThresholds(healthyAt, improvedAt float64) Option {
	return func(v *Verifier) {
		v.healthyAt = healthyAt
		v.improvedAt = improvedAt
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(v *Verifier) {
		if rep != nil {
			v.reporter = rep
		}
	}
}

// New constructs a Verifier over the given signals.
func New(signals []Signal, opts ...Option) (*Verifier, error) {
	if len(signals) == 0 {
		return nil, errors.New("verify: at least one signal is required")
	}
	for _, s := range signals {
		if s.Weight() <= 0 {
			return nil, fmt.Errorf("verify: signal %s has non-positive weight", s.Name())
		}
	}

	v := &Verifier{
		signals:    signals,
		healthyAt:  DefaultHealthyRatio,
		improvedAt: DefaultImprovedRatio,
		reporter:   observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.improvedAt <= 0 || v.healthyAt <= v.improvedAt || v.healthyAt > 1 {
		return nil, fmt.Errorf("verify: thresholds must satisfy 0 < improved < healthy <= 1, got %.2f/%.2f", v.improvedAt, v.healthyAt)
	}
	return v, nil
}

// Verify runs every signal against the node and scores the outcomes.
// priorIssue marks nodes that entered verification with known issues; it
// gates the degraded-but-improved verdict.
func (v *Verifier) Verify(ctx context.Context, node string, priorIssue bool) Result {
	result := Result{
		Node:       node,
		Signals:    make([]SignalResult, 0, len(v.signals)),
		PriorIssue: priorIssue,
	}

	for _, signal := range v.signals {
		sr := signal.Check(ctx, node)
		sr.Name = signal.Name()
		sr.Weight = signal.Weight()
		result.Signals = append(result.Signals, sr)

		if sr.Outcome == OutcomeInconclusive {
			continue
		}
		result.Available += sr.Weight
		if sr.Outcome == OutcomePass {
			result.Achieved += sr.Weight
		}
	}

	switch {
	case result.Available == 0:
		result.Verdict = VerdictUnknown
	default:
		result.Ratio = result.Achieved / result.Available
		switch {
		case result.Ratio >= v.healthyAt:
			result.Verdict = VerdictHealthy
		case result.Ratio >= v.improvedAt && priorIssue:
			result.Verdict = VerdictDegraded
		default:
			result.Verdict = VerdictFailed
		}
	}

	v.recordVerdict(ctx, result)
	return result
}

// VerifyAll verifies the nodes sequentially in the given order.
func (v *Verifier) VerifyAll(ctx context.Context, nodes []string, priorIssue map[string]bool) []Result {
	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, v.Verify(ctx, node, priorIssue[node]))
	}
	return results
}

func (v *Verifier) recordVerdict(ctx context.Context, result Result) {
	level := observability.LevelInfo
	if result.Verdict == VerdictFailed || result.Verdict == VerdictUnknown {
		level = observability.LevelWarn
	}
	v.reporter.RecordMetric(observability.Metric{
		Name:        "verifications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"verdict": string(result.Verdict)},
		Description: "Number of node verifications grouped by verdict.",
	})
	v.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Node:  result.Node,
		Event: "node_verified",
		Fields: map[string]interface{}{
			"verdict":          string(result.Verdict),
			"ratio":            result.Ratio,
			"achieved_weight":  result.Achieved,
			"available_weight": result.Available,
		},
	})
}

// SyncStatusSignal parses the textual verification query for configured
// success and failure markers.
type SyncStatusSignal struct {
	remediator     replication.Remediator
	weight         float64
	successMarkers []string
	failureMarkers []string
}

// NewSyncStatusSignal constructs the sync-status parse signal.
func NewSyncStatusSignal(remediator replication.Remediator, weight float64, successMarkers, failureMarkers []string) (*SyncStatusSignal, error) {
	if remediator == nil {
		return nil, errors.New("verify: remediator must not be nil")
	}
	if len(successMarkers) == 0 {
		return nil, errors.New("verify: at least one success marker is required")
	}
	return &SyncStatusSignal{
		remediator:     remediator,
		weight:         weight,
		successMarkers: successMarkers,
		failureMarkers: failureMarkers,
	}, nil
}

func (s *SyncStatusSignal) Name() string    { return "sync_status" }
func (s *SyncStatusSignal) Weight() float64 { return s.weight }

func (s *SyncStatusSignal) Check(ctx context.Context, node string) SignalResult {
	text, err := s.remediator.VerificationQuery(ctx, node)
	if err != nil {
		return SignalResult{Outcome: OutcomeInconclusive, Detail: fmt.Sprintf("verification query: %v", err)}
	}

	lowered := strings.ToLower(text)
	for _, marker := range s.failureMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return SignalResult{Outcome: OutcomeFail, Detail: fmt.Sprintf("failure marker %q present", marker)}
		}
	}
	for _, marker := range s.successMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return SignalResult{Outcome: OutcomePass}
		}
	}
	return SignalResult{Outcome: OutcomeFail, Detail: "no success marker in verification output"}
}

// FailureRecordSignal checks for unresolved failure records. Records older
// than staleAfter are reported as notes, not current failures, so cached
// data cannot mask a real improvement.
type FailureRecordSignal struct {
	querier    replication.Querier
	weight     float64
	staleAfter time.Duration
	now        func() time.Time
}

// NewFailureRecordSignal constructs the failure-record scan signal.
func NewFailureRecordSignal(querier replication.Querier, weight float64, staleAfter time.Duration, now func() time.Time) (*FailureRecordSignal, error) {
	if querier == nil {
		return nil, errors.New("verify: querier must not be nil")
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleFailureAge
	}
	if now == nil {
		now = time.Now
	}
	return &FailureRecordSignal{
		querier:    querier,
		weight:     weight,
		staleAfter: staleAfter,
		now:        now,
	}, nil
}

func (s *FailureRecordSignal) Name() string    { return "failure_records" }
func (s *FailureRecordSignal) Weight() float64 { return s.weight }

func (s *FailureRecordSignal) Check(ctx context.Context, node string) SignalResult {
	failures, err := s.querier.ActiveFailures(ctx, node)
	if err != nil {
		return SignalResult{Outcome: OutcomeInconclusive, Detail: fmt.Sprintf("failure query: %v", err)}
	}

	cutoff := s.now().Add(-s.staleAfter)
	current, stale := 0, 0
	for _, failure := range failures {
		if failure.FirstFailure.Before(cutoff) {
			stale++
		} else {
			current++
		}
	}

	switch {
	case current > 0:
		return SignalResult{Outcome: OutcomeFail, Detail: fmt.Sprintf("%d unresolved failure records", current)}
	case stale > 0:
		return SignalResult{
			Outcome: OutcomePass,
			Note:    fmt.Sprintf("%d failure records older than %s ignored", stale, s.staleAfter),
		}
	default:
		return SignalResult{Outcome: OutcomePass}
	}
}

// DiagnosticFunc runs an external diagnostic against a node and returns its
// raw output.
type DiagnosticFunc func(ctx context.Context, node string) (string, error)

// DiagnosticSignal runs a third-party diagnostic command and scans its
// output for markers, the same contract as SyncStatusSignal.
type DiagnosticSignal struct {
	run            DiagnosticFunc
	weight         float64
	successMarkers []string
	failureMarkers []string
}

// NewDiagnosticSignal constructs the optional diagnostic signal.
func NewDiagnosticSignal(run DiagnosticFunc, weight float64, successMarkers, failureMarkers []string) (*DiagnosticSignal, error) {
	if run == nil {
		return nil, errors.New("verify: diagnostic function must not be nil")
	}
	if len(successMarkers) == 0 {
		return nil, errors.New("verify: at least one success marker is required")
	}
	return &DiagnosticSignal{
		run:            run,
		weight:         weight,
		successMarkers: successMarkers,
		failureMarkers: failureMarkers,
	}, nil
}

func (s *DiagnosticSignal) Name() string    { return "diagnostic" }
func (s *DiagnosticSignal) Weight() float64 { return s.weight }

func (s *DiagnosticSignal) Check(ctx context.Context, node string) SignalResult {
	text, err := s.run(ctx, node)
	if err != nil {
		return SignalResult{Outcome: OutcomeInconclusive, Detail: fmt.Sprintf("diagnostic: %v", err)}
	}

	lowered := strings.ToLower(text)
	for _, marker := range s.failureMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return SignalResult{Outcome: OutcomeFail, Detail: fmt.Sprintf("failure marker %q present", marker)}
		}
	}
	for _, marker := range s.successMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return SignalResult{Outcome: OutcomePass}
		}
	}
	return SignalResult{Outcome: OutcomeFail, Detail: "no success marker in diagnostic output"}
}
