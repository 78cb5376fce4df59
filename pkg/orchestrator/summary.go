package orchestrator

import (
	"time"

	"github.com/replheald/replheald/pkg/audit"
	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/policy"
	"github.com/replheald/replheald/pkg/snapshot"
	"github.com/replheald/replheald/pkg/verify"
)

// RunStatus is the bounded exit status of a single orchestration pass.
type RunStatus string

const (
	// StatusSuccess means every discovered issue was resolved (or none existed).
	StatusSuccess RunStatus = "success"
	// StatusIssuesRemain means at least one issue is still unresolved.
	StatusIssuesRemain RunStatus = "issues_remain"
	// StatusUnreachable means at least one node could not be contacted.
	StatusUnreachable RunStatus = "unreachable_detected"
	// StatusFatal means the run aborted before completing its phases.
	StatusFatal RunStatus = "fatal_error"
	// StatusSkipped means the pass did not examine any node: kill switch,
	// operator cancellation, or preview mode.
	StatusSkipped RunStatus = "skipped"
)

// ExitCode maps a run status onto a process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case StatusSuccess, StatusSkipped:
		return 0
	case StatusIssuesRemain:
		return 1
	case StatusUnreachable:
		return 2
	default:
		return 3
	}
}

// RunSummary is the immutable record of one orchestration pass. It carries
// both the aggregate counters and the full collections for downstream
// rendering.
type RunSummary struct {
	Mode             string
	ScopeDescription string
	StartedAt        time.Time
	Elapsed          time.Duration
	Status           RunStatus
	Message          string

	TotalNodes       int
	HealthyNodes     int
	DegradedNodes    int
	UnreachableNodes int
	FailedNodes      int
	IssueCount       int
	ActionCount      int

	Narrowed     bool
	NarrowReason string
	DryRun       bool
	Cancelled    bool
	Preview      bool
	// WindowClosed marks a pass whose repair phase was deferred because the
	// maintenance schedule was closed.
	WindowClosed bool
	// KillSwitchAborted marks a pass whose repair phase was aborted by a
	// kill switch that appeared after the pass started.
	KillSwitchAborted bool

	Snapshots     []snapshot.Snapshot
	Issues        []classify.Issue
	Decisions     []policy.Decision
	Actions       []audit.Record
	Verifications []verify.Result
}

// summarize derives the aggregate counters and the exit status from the
// collected phase results. Precedence: fatal > unreachable > issues-remain
// > success; fatal summaries are produced by the runner directly.
func summarize(s RunSummary) RunSummary {
	for _, snap := range s.Snapshots {
		switch snap.Status {
		case snapshot.StatusHealthy:
			s.HealthyNodes++
		case snapshot.StatusDegraded:
			s.DegradedNodes++
		case snapshot.StatusUnreachable:
			s.UnreachableNodes++
		case snapshot.StatusFailed:
			s.FailedNodes++
		}
	}
	s.IssueCount = len(s.Issues)
	for _, action := range s.Actions {
		if !action.IsRollback() {
			s.ActionCount++
		}
	}

	switch {
	case s.UnreachableNodes > 0:
		s.Status = StatusUnreachable
		s.Message = "one or more nodes were unreachable"
	case unresolvedIssues(s) > 0:
		s.Status = StatusIssuesRemain
		s.Message = "issues remain after remediation"
	default:
		s.Status = StatusSuccess
	}
	return s
}

// unresolvedIssues counts issues not closed out by this pass. An issue is
// resolved only when a successful action ran for its node and category and
// the node subsequently verified healthy. Dry-run actions never resolve.
func unresolvedIssues(s RunSummary) int {
	repaired := make(map[string]bool)
	for _, action := range s.Actions {
		if action.Success && !action.DryRun && !action.IsRollback() {
			repaired[action.Node+"/"+action.Category] = true
		}
	}
	verifiedHealthy := make(map[string]bool)
	for _, result := range s.Verifications {
		if result.Verdict == verify.VerdictHealthy {
			verifiedHealthy[result.Node] = true
		}
	}

	unresolved := 0
	for _, issue := range s.Issues {
		key := issue.Node.Host + "/" + string(issue.Category)
		if repaired[key] && verifiedHealthy[issue.Node.Host] {
			continue
		}
		unresolved++
	}
	return unresolved
}
