package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/replheald/replheald/pkg/audit"
	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/config"
	"github.com/replheald/replheald/pkg/deltacache"
	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/observability"
	"github.com/replheald/replheald/pkg/policy"
	"github.com/replheald/replheald/pkg/snapshot"
	"github.com/replheald/replheald/pkg/verify"
	"github.com/replheald/replheald/pkg/windows"
)

// ScopeResolver turns the configured scope into a concrete node set.
type ScopeResolver interface {
	Resolve(ctx context.Context, scope fleet.Scope) (fleet.Resolution, error)
}

// Narrower applies and updates the delta cache.
type Narrower interface {
	Narrow(scope []fleet.NodeRef, forceFull bool) (deltacache.Narrowing, error)
	Save(record deltacache.Record) error
}

// Collector gathers per-node replication snapshots.
type Collector interface {
	Collect(ctx context.Context, nodes []fleet.NodeRef) ([]snapshot.Snapshot, error)
}

// HealingEngine evaluates issues under the active policy and drives the
// eligible remediations.
type HealingEngine interface {
	Evaluate(ctx context.Context, issues []classify.Issue) ([]policy.Decision, error)
	Execute(ctx context.Context, decisions []policy.Decision) ([]audit.Record, error)
	Policy() policy.Policy
}

// Verifier produces per-node verdicts after the convergence wait.
type Verifier interface {
	VerifyAll(ctx context.Context, nodes []string, priorIssue map[string]bool) []verify.Result
}

// Runner executes one full orchestration pass: scope, narrow, collect,
// classify, remediate, verify, summarize, cache.
type Runner struct {
	cfg        *config.Config
	resolver   ScopeResolver
	cache      Narrower
	collector  Collector
	engine     HealingEngine
	verifier   Verifier
	schedule   *windows.Schedule
	thresholds classify.Thresholds
	checkKill  func(string) (bool, error)
	sleep      func(time.Duration)
	reporter   observability.Reporter
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithKillSwitchChecker overrides the function used to check the kill switch file.
func WithKillSwitchChecker(fn func(string) (bool, error)) Option {
	return func(r *Runner) {
		r.checkKill = fn
	}
}

// WithSleepFunc overrides the sleep function used for the convergence wait.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(r *Runner) {
		r.sleep = fn
	}
}

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep observability.Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRunner constructs a Runner with the provided dependencies.
func NewRunner(cfg *config.Config, resolver ScopeResolver, cache Narrower, collector Collector, engine HealingEngine, verifier Verifier, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("scope resolver must not be nil")
	}
	if cache == nil {
		return nil, errors.New("delta cache must not be nil")
	}
	if collector == nil {
		return nil, errors.New("snapshot collector must not be nil")
	}
	if engine == nil {
		return nil, errors.New("healing engine must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("verifier must not be nil")
	}

	schedule, scheduleErr := windows.Parse(cfg.Maintenance.Allow, cfg.Maintenance.Deny)
	if scheduleErr != nil {
		return nil, fmt.Errorf("parse maintenance windows: %w", scheduleErr)
	}

	runner := &Runner{
		cfg:        cfg,
		resolver:   resolver,
		cache:      cache,
		collector:  collector,
		engine:     engine,
		verifier:   verifier,
		schedule:   schedule,
		thresholds: classify.Thresholds{StalenessAfter: cfg.StalenessThreshold()},
		checkKill:  defaultKillSwitchCheck,
		sleep:      time.Sleep,
		reporter:   observability.NoopReporter{},
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(runner)
	}

	if runner.checkKill == nil {
		runner.checkKill = defaultKillSwitchCheck
	}
	if runner.sleep == nil {
		runner.sleep = time.Sleep
	}
	if runner.reporter == nil {
		runner.reporter = observability.NoopReporter{}
	}
	if runner.now == nil {
		runner.now = time.Now
	}

	return runner, nil
}

// RunOnce executes the orchestration flow and returns the resulting summary.
func (r *Runner) RunOnce(ctx context.Context) (out RunSummary, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := r.now()
	out = RunSummary{Mode: r.mode(), StartedAt: start, DryRun: r.cfg.DryRun}

	defer func() {
		out.Elapsed = r.now().Sub(start)
		if err != nil {
			out.Status = StatusFatal
			out.Message = err.Error()
		}
		r.recordOutcome(ctx, out)
	}()

	killActive, checkErr := r.checkKill(r.cfg.KillSwitchFile)
	r.recordKillSwitch(ctx, killActive, checkErr)
	if checkErr != nil {
		return out, fmt.Errorf("check kill switch: %w", checkErr)
	}
	if killActive {
		out.Status = StatusSkipped
		out.Message = fmt.Sprintf("kill switch %s present", r.cfg.KillSwitchFile)
		return out, nil
	}

	resolution, resolveErr := r.resolver.Resolve(ctx, r.scope())
	if resolveErr != nil {
		return out, fmt.Errorf("resolve scope: %w", resolveErr)
	}
	out.ScopeDescription = resolution.Description
	if resolution.Cancelled {
		out.Status = StatusSkipped
		out.Cancelled = true
		out.Message = "scope confirmation declined"
		return out, nil
	}

	narrowing, narrowErr := r.cache.Narrow(resolution.Nodes, r.cfg.ForceFullScan)
	if narrowErr != nil {
		return out, fmt.Errorf("apply delta cache: %w", narrowErr)
	}
	out.Narrowed = narrowing.Narrowed
	out.NarrowReason = narrowing.Reason
	nodes := narrowing.Nodes
	out.TotalNodes = len(nodes)
	r.recordNarrowing(ctx, narrowing, len(resolution.Nodes))

	if resolution.Preview {
		out.Status = StatusSkipped
		out.Preview = true
		out.Message = fmt.Sprintf("preview only: %d nodes in scope", len(nodes))
		return out, nil
	}

	collectStart := time.Now()
	snaps, collectErr := r.collector.Collect(ctx, nodes)
	r.recordCollection(ctx, time.Since(collectStart), snaps, collectErr)
	if collectErr != nil {
		return out, fmt.Errorf("collect snapshots: %w", collectErr)
	}
	out.Snapshots = snaps

	out.Issues = classify.Classify(snaps, r.thresholds)
	r.recordClassification(ctx, out.Issues)

	decisions, evalErr := r.engine.Evaluate(ctx, out.Issues)
	if evalErr != nil {
		return out, fmt.Errorf("evaluate policy: %w", evalErr)
	}
	out.Decisions = decisions

	// The kill switch can appear while collection is still running, so it
	// is checked again before anything executes.
	killActive, checkErr = r.checkKill(r.cfg.KillSwitchFile)
	if checkErr != nil {
		return out, fmt.Errorf("recheck kill switch: %w", checkErr)
	}
	if killActive {
		r.recordKillSwitch(ctx, true, nil)
		out.KillSwitchAborted = true
	}

	// Dry-run passes do not mutate anything, so the maintenance schedule
	// only gates real repair execution.
	verdict := r.schedule.Permits(r.now())
	switch {
	case killActive:
	case !verdict.Open && !r.cfg.DryRun:
		out.WindowClosed = true
		r.recordWindowClosed(ctx, verdict)
	default:
		actions, execErr := r.engine.Execute(ctx, decisions)
		if execErr != nil {
			return out, fmt.Errorf("execute remediations: %w", execErr)
		}
		out.Actions = actions
	}

	if len(out.Actions) > 0 {
		if waitErr := r.convergenceWait(ctx); waitErr != nil {
			return out, waitErr
		}
		verifyStart := time.Now()
		out.Verifications = r.verifier.VerifyAll(ctx, issueNodes(out.Issues), priorIssueMap(out.Issues))
		r.recordVerification(ctx, time.Since(verifyStart), out.Verifications)
	}

	out = summarize(out)
	if out.Status == StatusIssuesRemain {
		if out.KillSwitchAborted {
			out.Message = fmt.Sprintf("repairs aborted: kill switch %s present", r.cfg.KillSwitchFile)
		} else if out.WindowClosed {
			out.Message = "repairs deferred: maintenance window closed"
		}
	}

	record := r.buildCacheRecord(out, len(nodes))
	if saveErr := r.cache.Save(record); saveErr != nil {
		return out, fmt.Errorf("save delta cache: %w", saveErr)
	}
	return out, nil
}

func (r *Runner) mode() string {
	if r.cfg.DryRun {
		return "dry-run"
	}
	return "heal"
}

func (r *Runner) scope() fleet.Scope {
	return fleet.Scope{
		Kind:       fleet.ScopeKind(r.cfg.Scope.Kind),
		Nodes:      r.cfg.Scope.Nodes,
		NodeString: r.cfg.Scope.NodeString,
		Site:       r.cfg.Scope.Site,
	}
}

func (r *Runner) convergenceWait(ctx context.Context) error {
	wait := r.cfg.ConvergenceWait()
	if wait <= 0 {
		return nil
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "convergence_wait",
		Fields: map[string]interface{}{
			"wait_ms": wait.Milliseconds(),
		},
	})
	return r.sleepWithContext(ctx, wait)
}

func (r *Runner) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *Runner) buildCacheRecord(out RunSummary, total int) deltacache.Record {
	degraded := make([]string, 0)
	unreachable := make([]string, 0)
	for _, snap := range out.Snapshots {
		switch snap.Status {
		case snapshot.StatusDegraded:
			degraded = append(degraded, snap.Node.Host)
		case snapshot.StatusUnreachable, snapshot.StatusFailed:
			unreachable = append(unreachable, snap.Node.Host)
		}
	}
	return deltacache.BuildRecord(r.now(), total, degraded, unreachable, issueNodes(out.Issues))
}

func issueNodes(issues []classify.Issue) []string {
	seen := make(map[string]bool)
	nodes := make([]string, 0)
	for _, issue := range issues {
		key := strings.ToLower(issue.Node.Host)
		if seen[key] {
			continue
		}
		seen[key] = true
		nodes = append(nodes, issue.Node.Host)
	}
	return nodes
}

func priorIssueMap(issues []classify.Issue) map[string]bool {
	prior := make(map[string]bool, len(issues))
	for _, issue := range issues {
		prior[issue.Node.Host] = true
	}
	return prior
}

func defaultKillSwitchCheck(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Runner) recordKillSwitch(ctx context.Context, active bool, checkErr error) {
	result := "inactive"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"active": active,
	}

	if checkErr != nil {
		result = "error"
		level = observability.LevelError
		fields["error"] = checkErr.Error()
	} else if active {
		result = "active"
		level = observability.LevelWarn
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "kill_switch_checks_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of kill switch evaluations grouped by result.",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "kill_switch",
		Fields: fields,
	})
}

func (r *Runner) recordNarrowing(ctx context.Context, narrowing deltacache.Narrowing, scopeSize int) {
	mode := "full"
	if narrowing.Narrowed {
		mode = "delta"
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "scan_modes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"mode": mode},
		Description: "Number of runs grouped by full versus delta scan mode.",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "scan_mode",
		Fields: map[string]interface{}{
			"mode":       mode,
			"reason":     narrowing.Reason,
			"scope_size": scopeSize,
			"target_set": len(narrowing.Nodes),
		},
	})
}

func (r *Runner) recordCollection(ctx context.Context, duration time.Duration, snaps []snapshot.Snapshot, collectErr error) {
	result := "success"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"nodes":       len(snaps),
	}

	if collectErr != nil {
		result = "error"
		level = observability.LevelError
		fields["error"] = collectErr.Error()
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "collection_phase_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of the snapshot collection phase.",
		Unit:        "seconds",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "collection_finished",
		Fields: fields,
	})
}

func (r *Runner) recordWindowClosed(ctx context.Context, verdict windows.Verdict) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "repairs_deferred_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Number of passes whose repair phase was deferred by the maintenance schedule.",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelWarn,
		Event: "maintenance_window_closed",
		Fields: map[string]interface{}{
			"rule": verdict.Rule,
		},
	})
}

func (r *Runner) recordClassification(ctx context.Context, issues []classify.Issue) {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[string(issue.Category)]++
	}
	for category, count := range counts {
		r.reporter.RecordMetric(observability.Metric{
			Name:        "issues_classified_total",
			Type:        observability.MetricCounter,
			Value:       float64(count),
			Labels:      map[string]string{"category": category},
			Description: "Number of classified issues grouped by category.",
		})
	}

	level := observability.LevelInfo
	if len(issues) > 0 {
		level = observability.LevelWarn
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Event: "issues_classified",
		Fields: map[string]interface{}{
			"total":      len(issues),
			"categories": counts,
		},
	})
}

func (r *Runner) recordVerification(ctx context.Context, duration time.Duration, results []verify.Result) {
	healthy := 0
	for _, result := range results {
		if result.Verdict == verify.VerdictHealthy {
			healthy++
		}
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "verification_phase_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{},
		Description: "Duration of the verification phase.",
		Unit:        "seconds",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "verification_finished",
		Fields: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"nodes":       len(results),
			"healthy":     healthy,
		},
	})
}

func (r *Runner) recordOutcome(ctx context.Context, out RunSummary) {
	if out.Status == "" {
		return
	}

	level := observability.LevelInfo
	switch out.Status {
	case StatusIssuesRemain, StatusUnreachable:
		level = observability.LevelWarn
	case StatusFatal:
		level = observability.LevelError
	}

	fields := map[string]interface{}{
		"status":      string(out.Status),
		"mode":        out.Mode,
		"scope":       out.ScopeDescription,
		"nodes":       out.TotalNodes,
		"issues":      out.IssueCount,
		"actions":     out.ActionCount,
		"unreachable": out.UnreachableNodes,
		"elapsed_ms":  out.Elapsed.Milliseconds(),
	}
	if out.Message != "" {
		fields["message"] = out.Message
	}

	r.reporter.RecordMetric(observability.Metric{
		Name:        "run_outcomes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"status": string(out.Status)},
		Description: "Number of orchestration passes grouped by outcome status.",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "run_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       out.Elapsed.Seconds(),
		Labels:      map[string]string{"status": string(out.Status)},
		Description: "Elapsed time of orchestration passes.",
		Unit:        "seconds",
	})

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "run_outcome",
		Fields: fields,
	})
}
