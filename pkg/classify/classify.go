// Package classify maps node snapshots onto the fixed issue taxonomy. The
// classifier is a pure function: no side effects, safe to call repeatedly on
// the same input.
package classify

import (
	"fmt"
	"time"

	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/snapshot"
)

// Category enumerates the issue taxonomy.
type Category string

const (
	// CategoryConnectivity covers nodes that failed collection entirely.
	CategoryConnectivity Category = "connectivity"
	// CategoryActiveFailure covers unresolved replication failure records.
	CategoryActiveFailure Category = "active_failure"
	// CategoryStaleness covers partner links without recent success.
	CategoryStaleness Category = "staleness"
)

// Severity ranks issues. Order matters for policy allow-lists.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, lowest first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Issue is one classified problem on one node. Issues are produced fresh every
// cycle and never persisted as mutable state; only healing actions carry them
// into the audit trail.
type Issue struct {
	Node        fleet.NodeRef
	Category    Category
	Severity    Severity
	Description string
	Partner     string
	ErrorCode   int
	// Actionable marks the issue as a candidate for unattended remediation.
	// Connectivity issues are never actionable; they require manual work.
	Actionable bool
}

// Thresholds parameterizes classification. The values are operator policy,
// not derived constants.
type Thresholds struct {
	// StalenessAfter is the partner-link age beyond which a link counts as
	// stale. Defaults to 24 hours.
	StalenessAfter time.Duration
}

func (t *Thresholds) applyDefaults() {
	if t.StalenessAfter <= 0 {
		t.StalenessAfter = 24 * time.Hour
	}
}

// Classify maps snapshots to issues. Multiple failing partners on one node
// produce multiple issues; nothing is merged or deduplicated.
func Classify(snaps []snapshot.Snapshot, thresholds Thresholds) []Issue {
	thresholds.applyDefaults()

	issues := make([]Issue, 0)
	for _, snap := range snaps {
		issues = append(issues, classifySnapshot(snap, thresholds)...)
	}
	return issues
}

func classifySnapshot(snap snapshot.Snapshot, thresholds Thresholds) []Issue {
	issues := make([]Issue, 0)

	if snap.Status == snapshot.StatusFailed || snap.Status == snapshot.StatusUnreachable {
		description := fmt.Sprintf("node did not answer replication queries (%s)", snap.Status)
		if snap.Err != "" {
			description = fmt.Sprintf("%s: %s", description, snap.Err)
		}
		issues = append(issues, Issue{
			Node:        snap.Node,
			Category:    CategoryConnectivity,
			Severity:    SeverityHigh,
			Description: description,
			Actionable:  false,
		})
		return issues
	}

	for _, failure := range snap.Failures {
		issues = append(issues, Issue{
			Node:     snap.Node,
			Category: CategoryActiveFailure,
			Severity: SeverityHigh,
			Description: fmt.Sprintf("active %s failure with partner %s (count %d)",
				failure.Type, failure.Partner, failure.Count),
			Partner:    failure.Partner,
			ErrorCode:  failure.LastErrorCode,
			Actionable: true,
		})
	}

	staleAfter := thresholds.StalenessAfter.Hours()
	for _, link := range snap.Partners {
		hours := link.HoursSinceSuccess(snap.CapturedAt)
		if hours <= staleAfter {
			continue
		}
		issues = append(issues, Issue{
			Node:     snap.Node,
			Category: CategoryStaleness,
			Severity: SeverityMedium,
			Description: fmt.Sprintf("no successful replication from %s for %.1f hours (partition %s)",
				link.Partner, hours, link.Partition),
			Partner:    link.Partner,
			ErrorCode:  link.LastResult,
			Actionable: true,
		})
	}

	return issues
}
