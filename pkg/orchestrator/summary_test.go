package orchestrator

import (
	"testing"

	"github.com/replheald/replheald/pkg/audit"
	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/snapshot"
	"github.com/replheald/replheald/pkg/verify"
)

func TestExitCodePrecedence(t *testing.T) {
	cases := map[RunStatus]int{
		StatusSuccess:      0,
		StatusSkipped:      0,
		StatusIssuesRemain: 1,
		StatusUnreachable:  2,
		StatusFatal:        3,
	}
	for status, want := range cases {
		if got := status.ExitCode(); got != want {
			t.Errorf("%s: expected exit code %d, got %d", status, want, got)
		}
	}
}

func TestSummarizeCountsNodeStates(t *testing.T) {
	out := summarize(RunSummary{
		Snapshots: []snapshot.Snapshot{
			{Node: fleet.NodeRef{Host: "dc01"}, Status: snapshot.StatusHealthy},
			{Node: fleet.NodeRef{Host: "dc02"}, Status: snapshot.StatusDegraded},
			{Node: fleet.NodeRef{Host: "dc03"}, Status: snapshot.StatusUnreachable},
			{Node: fleet.NodeRef{Host: "dc04"}, Status: snapshot.StatusFailed},
		},
	})
	if out.HealthyNodes != 1 || out.DegradedNodes != 1 || out.UnreachableNodes != 1 || out.FailedNodes != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.Status != StatusUnreachable {
		t.Fatalf("unreachable must take precedence, got %s", out.Status)
	}
}

func TestSummarizeUnreachableBeatsIssues(t *testing.T) {
	out := summarize(RunSummary{
		Snapshots: []snapshot.Snapshot{
			{Node: fleet.NodeRef{Host: "dc01"}, Status: snapshot.StatusUnreachable},
		},
		Issues: []classify.Issue{
			{Node: fleet.NodeRef{Host: "dc01"}, Category: classify.CategoryConnectivity},
		},
	})
	if out.Status != StatusUnreachable {
		t.Fatalf("expected unreachable_detected, got %s", out.Status)
	}
}

func TestSummarizeResolvedIssuesAreSuccess(t *testing.T) {
	out := summarize(RunSummary{
		Snapshots: []snapshot.Snapshot{
			{Node: fleet.NodeRef{Host: "dc01"}, Status: snapshot.StatusHealthy},
		},
		Issues: []classify.Issue{
			{Node: fleet.NodeRef{Host: "dc01"}, Category: classify.CategoryStaleness},
		},
		Actions: []audit.Record{
			{ID: "a1", Node: "dc01", Category: string(classify.CategoryStaleness), Success: true},
		},
		Verifications: []verify.Result{
			{Node: "dc01", Verdict: verify.VerdictHealthy},
		},
	})
	if out.Status != StatusSuccess {
		t.Fatalf("healed and verified issue must resolve, got %+v", out)
	}
	if out.ActionCount != 1 {
		t.Fatalf("expected action counted, got %d", out.ActionCount)
	}
}

func TestSummarizeDryRunActionsDoNotResolve(t *testing.T) {
	out := summarize(RunSummary{
		Issues: []classify.Issue{
			{Node: fleet.NodeRef{Host: "dc01"}, Category: classify.CategoryStaleness},
		},
		Actions: []audit.Record{
			{ID: "a1", Node: "dc01", Category: string(classify.CategoryStaleness), Success: true, DryRun: true},
		},
		Verifications: []verify.Result{
			{Node: "dc01", Verdict: verify.VerdictHealthy},
		},
	})
	if out.Status != StatusIssuesRemain {
		t.Fatalf("dry-run action must leave the issue open, got %s", out.Status)
	}
}

func TestSummarizeRollbacksNotCountedAsActions(t *testing.T) {
	out := summarize(RunSummary{
		Issues: []classify.Issue{
			{Node: fleet.NodeRef{Host: "dc01"}, Category: classify.CategoryStaleness},
		},
		Actions: []audit.Record{
			{ID: "a1", Node: "dc01", Category: string(classify.CategoryStaleness), Success: false},
			{ID: "a2", Node: "dc01", Category: string(classify.CategoryStaleness), Success: true, RollbackOf: "a1"},
		},
	})
	if out.ActionCount != 1 {
		t.Fatalf("rollback must not count as an action, got %d", out.ActionCount)
	}
	if out.Status != StatusIssuesRemain {
		t.Fatalf("failed repair leaves the issue open, got %s", out.Status)
	}
}
