package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replheald/replheald/pkg/audit"
	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/config"
	"github.com/replheald/replheald/pkg/deltacache"
	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/observability"
	"github.com/replheald/replheald/pkg/orchestrator"
	"github.com/replheald/replheald/pkg/policy"
	"github.com/replheald/replheald/pkg/repair"
	"github.com/replheald/replheald/pkg/replication"
	"github.com/replheald/replheald/pkg/snapshot"
	"github.com/replheald/replheald/pkg/verify"
	"github.com/replheald/replheald/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitSetupError  = 66
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "run-once":
		return commandRunOnce(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: replheald <command> [options]
Commands:
  run                Start the healing daemon
  run-once           Execute a single healing pass and exit
  simulate           Execute a single pass in forced dry-run mode
  validate-config    Validate the configuration file
  version            Print build version
`)
}

// runFlags are the knobs shared by run, run-once, and simulate.
type runFlags struct {
	configPath string
	dryRun     bool
	unattended bool
	forceFull  bool
	preview    bool
}

func registerRunFlags(fs *flag.FlagSet, rf *runFlags, withPreview bool) {
	fs.StringVar(&rf.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	fs.BoolVar(&rf.dryRun, "dry-run", false, "decide and log without mutating any node")
	fs.BoolVar(&rf.unattended, "unattended", false, "auto-approve confirmation prompts")
	fs.BoolVar(&rf.forceFull, "force-full", false, "ignore the delta cache and scan the full scope")
	if withPreview {
		fs.BoolVar(&rf.preview, "preview", false, "answer every confirmation with preview")
	}
}

func (rf runFlags) apply(cfg *config.Config) {
	if rf.dryRun {
		cfg.DryRun = true
	}
	if rf.unattended {
		cfg.Unattended = true
	}
	if rf.forceFull {
		cfg.ForceFullScan = true
	}
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdin, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rf runFlags
	registerRunFlags(fs, &rf, false)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(rf.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rf.apply(cfg)

	runner, metrics, closeDeps, err := buildRunner(cfg, rf.preview, stdin, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble healer: %v\n", err)
		return exitSetupError
	}
	defer closeDeps()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
		go func() {
			if srvErr := metricsSrv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				fmt.Fprintf(stderr, "metrics listener failed: %v\n", srvErr)
			}
		}()
	}

	loop, err := orchestrator.NewLoop(cfg, runner,
		orchestrator.WithLoopIterationHook(func(summary orchestrator.RunSummary) {
			fmt.Fprintln(stdout, summaryLine(summary))
		}),
		orchestrator.WithLoopErrorHandler(func(runErr error) {
			fmt.Fprintf(stderr, "healing pass failed: %v\n", runErr)
		}),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble loop: %v\n", err)
		return exitSetupError
	}

	fmt.Fprintf(stdout, "replheald %s started (scope %s, policy %s, interval %s)\n",
		version.Version, cfg.Scope.Kind, cfg.Policy.Tier, cfg.RunInterval())

	loopErr := loop.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if loopErr != nil && loopErr != context.Canceled {
		fmt.Fprintf(stderr, "daemon stopped: %v\n", loopErr)
	}
	fmt.Fprintln(stdout, "replheald stopped")
	return exitOK
}

func commandRunOnce(args []string) int {
	return commandRunOnceWithWriters(args, os.Stdin, os.Stdout, os.Stderr)
}

func commandRunOnceWithWriters(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-once", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rf runFlags
	registerRunFlags(fs, &rf, true)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(rf.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rf.apply(cfg)

	runner, _, closeDeps, err := buildRunner(cfg, rf.preview, stdin, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble healer: %v\n", err)
		return exitSetupError
	}
	defer closeDeps()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := runner.RunOnce(ctx)
	if runErr != nil {
		fmt.Fprintf(stderr, "healing pass failed: %v\n", runErr)
	}
	printSummary(stdout, summary)
	return summary.Status.ExitCode()
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	forceFull := fs.Bool("force-full", false, "ignore the delta cache and scan the full scope")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	cfg.DryRun = true
	cfg.Unattended = true
	if *forceFull {
		cfg.ForceFullScan = true
	}

	runner, _, closeDeps, err := buildRunner(cfg, false, nil, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to assemble healer: %v\n", err)
		return exitSetupError
	}
	defer closeDeps()

	summary, runErr := runner.RunOnce(context.Background())
	if runErr != nil {
		fmt.Fprintf(stderr, "simulation failed: %v\n", runErr)
	}
	printSummary(stdout, summary)
	printSimulationDetail(stdout, cfg, summary)
	fmt.Fprintln(stdout, "no remediation performed in simulation mode")
	return summary.Status.ExitCode()
}

// printSimulationDetail renders the sections only simulate shows: the examined
// node set, how each tier would treat the found issues, and the thresholds the
// run was configured with.
func printSimulationDetail(w io.Writer, cfg *config.Config, s orchestrator.RunSummary) {
	if len(s.Snapshots) > 0 {
		fmt.Fprintln(w, "  nodes examined:")
		for _, snap := range s.Snapshots {
			fmt.Fprintf(w, "    - %s (%s)\n", snap.Node.Host, snap.Status)
		}
	}

	if len(s.Issues) > 0 {
		fmt.Fprintln(w, "  eligibility by tier:")
		tiers := []policy.Policy{policy.Conservative(), policy.Moderate(), policy.Aggressive()}
		for _, issue := range s.Issues {
			fmt.Fprintf(w, "    - %s on %s:", issue.Category, issue.Node.Host)
			for _, tier := range tiers {
				fmt.Fprintf(w, " %s=%s", tier.Name, tierVerdict(tier, issue))
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w, "  configured thresholds:")
	fmt.Fprintf(w, "    staleness threshold: %s\n", cfg.StalenessThreshold())
	if cfg.Verification.HealthyRatio != nil && cfg.Verification.ImprovedRatio != nil {
		fmt.Fprintf(w, "    verification ratios: healthy >= %.2f, improved >= %.2f\n",
			*cfg.Verification.HealthyRatio, *cfg.Verification.ImprovedRatio)
	}
	fmt.Fprintf(w, "    convergence wait: %s\n", cfg.ConvergenceWait())
	active, err := policy.ByName(cfg.Policy.Tier)
	if err == nil {
		active = active.Apply(policy.Override{Cooldown: cfg.CooldownOverride(), MaxActions: cfg.Policy.MaxActions})
		fmt.Fprintf(w, "    active tier %s: max actions %d, cooldown %s\n",
			active.Name, active.MaxActions, active.Cooldown)
	}
}

// tierVerdict is the static part of the eligibility chain: allow-lists,
// manual-approval list, and the actionable flag. Cooldown and the per-run cap
// depend on run state and are reported through the pass decisions instead.
func tierVerdict(p policy.Policy, issue classify.Issue) string {
	switch {
	case !p.AllowsCategory(issue.Category):
		return string(policy.SkipCategory)
	case !p.AllowsSeverity(issue.Severity):
		return string(policy.SkipSeverity)
	case p.RequiresManualApproval(issue.Category):
		return string(policy.SkipManualApproval)
	case !issue.Actionable:
		return string(policy.SkipNotActionable)
	}
	return "eligible"
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

// buildRunner assembles the full component graph from the configuration. The
// returned cleanup function closes the rollback store and must be called once
// the runner is no longer in use.
func buildRunner(cfg *config.Config, preview bool, stdin io.Reader, stderr io.Writer) (*orchestrator.Runner, *observability.PrometheusCollector, func(), error) {
	logger := observability.NewZerologLogger(stderr)
	metrics := observability.NewPrometheusCollector()
	hostname, _ := os.Hostname()
	reporterFor := func(component string) observability.Reporter {
		return observability.NewStructuredReporter(hostname, component, logger, metrics)
	}

	backend, err := replication.NewCommandBackend(replication.CommandBackendOptions{
		PartnersCmd:          cfg.Tool.PartnersCmd,
		FailuresCmd:          cfg.Tool.FailuresCmd,
		SyncCmd:              cfg.Tool.SyncCmd,
		VerifyCmd:            cfg.Tool.VerifyCmd,
		DiagnosticCmd:        cfg.Tool.DiagnosticCmd,
		UnreachableExitCodes: cfg.Tool.UnreachableExitCodes,
		DeniedExitCodes:      cfg.Tool.DeniedExitCodes,
		NotFoundExitCodes:    cfg.Tool.NotFoundExitCodes,
		UnavailableExitCodes: cfg.Tool.UnavailableExitCodes,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication backend: %w", err)
	}

	var directory fleet.Directory
	if len(cfg.Tool.ListNodesCmd) > 0 {
		directory, err = replication.NewCommandDirectory(cfg.Tool.ListNodesCmd)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("node directory: %w", err)
		}
	} else {
		// Explicit node lists never consult the directory; site and
		// fleet scopes require list_nodes_cmd at validation time.
		directory = unconfiguredDirectory{}
	}

	gate, err := selectGate(cfg, preview, stdin, stderr)
	if err != nil {
		return nil, nil, nil, err
	}

	resolver, err := fleet.NewResolver(directory, gate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scope resolver: %w", err)
	}

	cache, err := deltacache.New(cfg.Cache.Path, deltacache.WithMaxAge(cfg.CacheMaxAge()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("delta cache: %w", err)
	}

	retryMin, retryMax := cfg.RetryBackoffBounds()
	collector, err := snapshot.New(backend, snapshot.Options{
		Concurrency: cfg.Collection.Concurrency,
		NodeTimeout: cfg.NodeTimeout(),
		MaxAttempts: cfg.Collection.MaxAttempts,
		BackoffMin:  retryMin,
		BackoffMax:  retryMax,
		Sequential:  cfg.Collection.Sequential,
	}, snapshot.WithReporter(reporterFor("snapshot")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot collector: %w", err)
	}

	executor, err := repair.NewSyncExecutor(backend, cfg.DryRun)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repair executor: %w", err)
	}

	trail, err := audit.NewFileTrail(cfg.Audit.TrailPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audit trail: %w", err)
	}

	store, err := audit.OpenRollbackStore(cfg.Audit.RollbackDBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rollback store: %w", err)
	}
	closeDeps := func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(stderr, "failed to close rollback store: %v\n", closeErr)
		}
	}

	pol, err := policy.ByName(cfg.Policy.Tier)
	if err != nil {
		closeDeps()
		return nil, nil, nil, fmt.Errorf("policy tier: %w", err)
	}
	pol = pol.Apply(policy.Override{
		Cooldown:   cfg.CooldownOverride(),
		MaxActions: cfg.Policy.MaxActions,
	})

	engine, err := policy.NewEngine(pol, trail, executor,
		policy.WithRollbackContextWriter(store),
		policy.WithActionGate(gate),
		policy.WithReporter(reporterFor("policy")),
	)
	if err != nil {
		closeDeps()
		return nil, nil, nil, fmt.Errorf("healing engine: %w", err)
	}

	verifier, err := buildVerifier(cfg, backend, reporterFor("verify"))
	if err != nil {
		closeDeps()
		return nil, nil, nil, err
	}

	runner, err := orchestrator.NewRunner(cfg, resolver, cache, collector, engine, verifier,
		orchestrator.WithReporter(reporterFor("orchestrator")),
	)
	if err != nil {
		closeDeps()
		return nil, nil, nil, fmt.Errorf("runner: %w", err)
	}

	return runner, metrics, closeDeps, nil
}

func buildVerifier(cfg *config.Config, backend *replication.CommandBackend, reporter observability.Reporter) (*verify.Verifier, error) {
	v := cfg.Verification

	signals := make([]verify.Signal, 0, 3)
	syncSig, err := verify.NewSyncStatusSignal(backend, v.SyncWeight, v.SuccessMarkers, v.FailureMarkers)
	if err != nil {
		return nil, fmt.Errorf("sync status signal: %w", err)
	}
	signals = append(signals, syncSig)

	failSig, err := verify.NewFailureRecordSignal(backend, v.FailureWeight, cfg.StaleFailureAge(), time.Now)
	if err != nil {
		return nil, fmt.Errorf("failure record signal: %w", err)
	}
	signals = append(signals, failSig)

	if v.DiagnosticWeight > 0 && len(cfg.Tool.DiagnosticCmd) > 0 {
		diagSig, err := verify.NewDiagnosticSignal(backend.Diagnose, v.DiagnosticWeight, v.SuccessMarkers, v.FailureMarkers)
		if err != nil {
			return nil, fmt.Errorf("diagnostic signal: %w", err)
		}
		signals = append(signals, diagSig)
	}

	opts := []verify.Option{verify.WithReporter(reporter)}
	if v.HealthyRatio != nil && v.ImprovedRatio != nil {
		opts = append(opts, verify.WithThresholds(*v.HealthyRatio, *v.ImprovedRatio))
	}

	verifier, err := verify.New(signals, opts...)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	return verifier, nil
}

func selectGate(cfg *config.Config, preview bool, stdin io.Reader, stderr io.Writer) (fleet.Gate, error) {
	if preview {
		return fleet.PreviewGate{}, nil
	}
	if cfg.Unattended {
		return fleet.AutoApproveGate{}, nil
	}
	if stdin == nil {
		return nil, fmt.Errorf("interactive confirmation requires a terminal; use -unattended or unattended: true")
	}
	return fleet.NewTerminalGate(stdin, stderr)
}

// unconfiguredDirectory backs list-only scopes where no list_nodes_cmd is set.
type unconfiguredDirectory struct{}

func (unconfiguredDirectory) SiteNodes(context.Context, string) ([]fleet.NodeRef, error) {
	return nil, fmt.Errorf("no list_nodes_cmd configured")
}

func (unconfiguredDirectory) AllNodes(context.Context) ([]fleet.NodeRef, error) {
	return nil, fmt.Errorf("no list_nodes_cmd configured")
}

func summaryLine(s orchestrator.RunSummary) string {
	return fmt.Sprintf("pass finished: status=%s nodes=%d healthy=%d degraded=%d unreachable=%d issues=%d actions=%d elapsed=%s",
		s.Status, s.TotalNodes, s.HealthyNodes, s.DegradedNodes, s.UnreachableNodes, s.IssueCount, s.ActionCount,
		s.Elapsed.Round(time.Millisecond))
}

func printSummary(w io.Writer, s orchestrator.RunSummary) {
	fmt.Fprintf(w, "healing pass summary (%s mode):\n", s.Mode)
	if s.ScopeDescription != "" {
		fmt.Fprintf(w, "  scope: %s\n", s.ScopeDescription)
	}
	if s.Narrowed {
		fmt.Fprintf(w, "  scan: delta (%s)\n", s.NarrowReason)
	} else {
		fmt.Fprintln(w, "  scan: full")
	}
	fmt.Fprintf(w, "  nodes: %d total, %d healthy, %d degraded, %d unreachable, %d failed\n",
		s.TotalNodes, s.HealthyNodes, s.DegradedNodes, s.UnreachableNodes, s.FailedNodes)
	if s.WindowClosed {
		fmt.Fprintln(w, "  repairs: deferred, maintenance window closed")
	}

	if len(s.Issues) > 0 {
		fmt.Fprintln(w, "  issues:")
		for _, issue := range s.Issues {
			fmt.Fprintf(w, "    - %s %s/%s: %s\n", issue.Category, issue.Node.Host, issue.Partner, issue.Description)
		}
	}
	if len(s.Actions) > 0 {
		fmt.Fprintln(w, "  actions:")
		for _, rec := range s.Actions {
			kind := "repair"
			if rec.IsRollback() {
				kind = "rollback"
			}
			result := "failed"
			if rec.Success {
				result = "succeeded"
			}
			fmt.Fprintf(w, "    - %s %s on %s (%s) => %s\n", kind, rec.Method, rec.Node, rec.Category, result)
		}
	}
	if len(s.Verifications) > 0 {
		fmt.Fprintln(w, "  verifications:")
		for _, res := range s.Verifications {
			fmt.Fprintf(w, "    - %s => %s (ratio %.2f)\n", res.Node, res.Verdict, res.Ratio)
		}
	}

	status := string(s.Status)
	if s.Message != "" {
		status = fmt.Sprintf("%s (%s)", status, s.Message)
	}
	fmt.Fprintf(w, "  status: %s\n", status)
}
