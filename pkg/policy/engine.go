package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/replheald/replheald/pkg/audit"
	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/observability"
	"github.com/replheald/replheald/pkg/repair"
)

// SkipReason explains why an issue was not remediated.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipCategory        SkipReason = "category_not_allowed"
	SkipSeverity        SkipReason = "severity_not_allowed"
	SkipManualApproval  SkipReason = "manual_approval_required"
	SkipCooldown        SkipReason = "cooldown_active"
	SkipNotActionable   SkipReason = "not_actionable"
	SkipDeferredByCap   SkipReason = "deferred_max_actions"
	SkipOperatorDecline SkipReason = "operator_declined"
)

// Decision is the engine's verdict for one issue.
type Decision struct {
	Issue    classify.Issue
	Eligible bool
	Reason   SkipReason
}

// Executor performs remediation and compensation. pkg/repair provides the
// synchronization-backed implementation.
type Executor interface {
	Repair(ctx context.Context, issue classify.Issue) (repair.Result, error)
	Rollback(ctx context.Context, issue classify.Issue, originalID string) (repair.Result, error)
}

// RollbackContextWriter persists pre-action context keyed by action id.
type RollbackContextWriter interface {
	Put(audit.RollbackContext) error
}

// Engine evaluates issues against a policy and drives eligible remediations
// strictly one at a time: actions mutate shared replication topology and must
// not race each other for auditability.
type Engine struct {
	policy   Policy
	trail    audit.Trail
	executor Executor
	rollback RollbackContextWriter
	gate     fleet.Gate
	reporter observability.Reporter
	now      func() time.Time
	newID    func() string
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithRollbackContextWriter attaches the pre-action context store.
func WithRollbackContextWriter(w RollbackContextWriter) EngineOption {
	return func(e *Engine) {
		e.rollback = w
	}
}

// WithActionGate guards each individual remediation with a confirmation gate.
func WithActionGate(gate fleet.Gate) EngineOption {
	return func(e *Engine) {
		if gate != nil {
			e.gate = gate
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) EngineOption {
	return func(e *Engine) {
		if rep != nil {
			e.reporter = rep
		}
	}
}

// WithTimeSource injects a custom clock (tests).
func WithTimeSource(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithIDSource injects a deterministic action id generator (tests).
func WithIDSource(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(p Policy, trail audit.Trail, executor Executor, opts ...EngineOption) (*Engine, error) {
	if trail == nil {
		return nil, errors.New("policy: audit trail must not be nil")
	}
	if executor == nil {
		return nil, errors.New("policy: executor must not be nil")
	}
	if p.MaxActions <= 0 {
		return nil, errors.New("policy: max actions must be positive")
	}

	engine := &Engine{
		policy:   p,
		trail:    trail,
		executor: executor,
		gate:     fleet.AutoApproveGate{},
		reporter: observability.NoopReporter{},
		now:      time.Now,
		newID:    audit.NewID,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate applies the eligibility chain to each issue in order. The first
// failing check wins; eligible issues beyond the max-actions cap are deferred.
func (e *Engine) Evaluate(ctx context.Context, issues []classify.Issue) ([]Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	decisions := make([]Decision, 0, len(issues))
	eligibleCount := 0
	for _, issue := range issues {
		reason, err := e.checkEligibility(ctx, issue)
		if err != nil {
			return decisions, err
		}
		if reason == SkipNone && eligibleCount >= e.policy.MaxActions {
			reason = SkipDeferredByCap
		}

		decision := Decision{Issue: issue, Eligible: reason == SkipNone, Reason: reason}
		if decision.Eligible {
			eligibleCount++
		}
		decisions = append(decisions, decision)
		e.recordDecision(ctx, decision)
	}
	return decisions, nil
}

func (e *Engine) checkEligibility(ctx context.Context, issue classify.Issue) (SkipReason, error) {
	if !e.policy.AllowsCategory(issue.Category) {
		return SkipCategory, nil
	}
	if !e.policy.AllowsSeverity(issue.Severity) {
		return SkipSeverity, nil
	}
	if e.policy.RequiresManualApproval(issue.Category) {
		return SkipManualApproval, nil
	}

	last, ok, err := e.trail.LastAction(ctx, issue.Node.Host, string(issue.Category))
	if err != nil {
		return SkipNone, fmt.Errorf("cooldown lookup for %s: %w", issue.Node.Host, err)
	}
	if ok && e.now().Sub(last.Timestamp) < e.policy.Cooldown {
		return SkipCooldown, nil
	}

	if !issue.Actionable {
		return SkipNotActionable, nil
	}
	return SkipNone, nil
}

// Execute runs the eligible decisions sequentially. Every attempted action is
// appended to the audit trail before the engine moves on; a failed action is
// compensated immediately when the policy enables rollback.
func (e *Engine) Execute(ctx context.Context, decisions []Decision) ([]audit.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	records := make([]audit.Record, 0)
	for i, decision := range decisions {
		if !decision.Eligible {
			continue
		}
		if err := ctx.Err(); err != nil {
			return records, err
		}

		gateDecision, err := e.gate.Confirm(ctx, fmt.Sprintf("remediate %s on %s?", decision.Issue.Category, decision.Issue.Node.Host))
		if err != nil {
			return records, fmt.Errorf("action confirmation: %w", err)
		}
		if gateDecision == fleet.DecisionCancel {
			decisions[i].Eligible = false
			decisions[i].Reason = SkipOperatorDecline
			e.recordDecision(ctx, decisions[i])
			continue
		}

		record, rollbackRecord, err := e.executeOne(ctx, decision.Issue)
		if err != nil {
			return records, err
		}
		records = append(records, record)
		if rollbackRecord != nil {
			records = append(records, *rollbackRecord)
		}
	}
	return records, nil
}

func (e *Engine) executeOne(ctx context.Context, issue classify.Issue) (audit.Record, *audit.Record, error) {
	actionID := e.newID()

	if e.rollback != nil && e.policy.RollbackOnFailure {
		rc := audit.RollbackContext{
			ActionID:   actionID,
			Node:       issue.Node.Host,
			Category:   string(issue.Category),
			Method:     repair.MethodFor(issue.Category),
			CapturedAt: e.now(),
			Note:       issue.Description,
		}
		if err := e.rollback.Put(rc); err != nil {
			return audit.Record{}, nil, fmt.Errorf("persist rollback context: %w", err)
		}
	}

	result, execErr := e.executor.Repair(ctx, issue)
	record := audit.Record{
		ID:                actionID,
		Node:              issue.Node.Host,
		Category:          string(issue.Category),
		Severity:          string(issue.Severity),
		Method:            result.Method,
		Success:           execErr == nil && result.Success,
		Message:           result.Message,
		Policy:            e.policy.Name,
		DryRun:            result.DryRun,
		Timestamp:         e.now(),
		RollbackAvailable: e.policy.RollbackOnFailure,
	}
	if execErr != nil {
		record.Message = execErr.Error()
	}

	// Record-then-report: the outcome is durable before anything else sees it.
	if err := e.trail.Append(ctx, record); err != nil {
		return audit.Record{}, nil, fmt.Errorf("append audit record: %w", err)
	}
	e.recordAction(ctx, record)

	if record.Success || !e.policy.RollbackOnFailure {
		return record, nil, nil
	}

	rollbackResult, rollbackErr := e.executor.Rollback(ctx, issue, actionID)
	rollbackRecord := audit.Record{
		ID:         e.newID(),
		Node:       issue.Node.Host,
		Category:   string(issue.Category),
		Severity:   string(issue.Severity),
		Method:     rollbackResult.Method,
		Success:    rollbackErr == nil && rollbackResult.Success,
		Message:    rollbackResult.Message,
		Policy:     e.policy.Name,
		DryRun:     rollbackResult.DryRun,
		Timestamp:  e.now(),
		RollbackOf: actionID,
	}
	if rollbackErr != nil {
		rollbackRecord.Message = rollbackErr.Error()
	}
	if err := e.trail.Append(ctx, rollbackRecord); err != nil {
		return record, nil, fmt.Errorf("append rollback record: %w", err)
	}
	e.recordAction(ctx, rollbackRecord)

	return record, &rollbackRecord, nil
}

func (e *Engine) recordDecision(ctx context.Context, decision Decision) {
	outcome := "eligible"
	level := observability.LevelInfo
	if !decision.Eligible {
		outcome = string(decision.Reason)
		if decision.Reason == SkipDeferredByCap {
			level = observability.LevelWarn
		}
	}

	e.reporter.RecordMetric(observability.Metric{
		Name:        "eligibility_decisions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"policy": e.policy.Name, "outcome": outcome},
		Description: "Number of eligibility decisions grouped by policy and outcome.",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Node:  decision.Issue.Node.Host,
		Event: "eligibility_decided",
		Fields: map[string]interface{}{
			"category": string(decision.Issue.Category),
			"severity": string(decision.Issue.Severity),
			"eligible": decision.Eligible,
			"reason":   outcome,
		},
	})
}

func (e *Engine) recordAction(ctx context.Context, record audit.Record) {
	result := "success"
	level := observability.LevelInfo
	if !record.Success {
		result = "failure"
		level = observability.LevelWarn
	}
	kind := "repair"
	if record.IsRollback() {
		kind = "rollback"
	}

	e.reporter.RecordMetric(observability.Metric{
		Name:        "healing_actions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"kind": kind, "result": result},
		Description: "Number of healing actions grouped by kind and result.",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Node:  record.Node,
		Event: "healing_action",
		Fields: map[string]interface{}{
			"action_id":   record.ID,
			"kind":        kind,
			"method":      record.Method,
			"category":    record.Category,
			"success":     record.Success,
			"dry_run":     record.DryRun,
			"rollback_of": record.RollbackOf,
		},
	})
}
