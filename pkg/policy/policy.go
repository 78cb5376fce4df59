// Package policy decides which classified issues may be remediated without an
// operator and records every attempted action.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/replheald/replheald/pkg/classify"
)

// Policy is a named risk tier governing unattended remediation.
type Policy struct {
	Name string
	// AllowedCategories and AllowedSeverities are allow-lists; anything
	// outside them is ineligible.
	AllowedCategories []classify.Category
	AllowedSeverities []classify.Severity
	// ManualApproval lists categories that always require an operator even
	// when otherwise allowed.
	ManualApproval []classify.Category
	// MaxActions caps attempted actions per run; eligible issues beyond the
	// cap are deferred, never silently applied.
	MaxActions int
	// Cooldown is the minimum spacing between actions against the same
	// node/category pair. This is the anti-loop guard.
	Cooldown time.Duration
	// RollbackOnFailure enables the compensating action after a failed
	// remediation.
	RollbackOnFailure bool
}

// AllowsCategory reports whether the category is on the allow-list.
func (p Policy) AllowsCategory(c classify.Category) bool {
	for _, allowed := range p.AllowedCategories {
		if allowed == c {
			return true
		}
	}
	return false
}

// AllowsSeverity reports whether the severity is on the allow-list.
func (p Policy) AllowsSeverity(s classify.Severity) bool {
	for _, allowed := range p.AllowedSeverities {
		if allowed == s {
			return true
		}
	}
	return false
}

// RequiresManualApproval reports whether the category is operator-only.
func (p Policy) RequiresManualApproval(c classify.Category) bool {
	for _, manual := range p.ManualApproval {
		if manual == c {
			return true
		}
	}
	return false
}

// Override adjusts tunable policy parameters without changing the tier's
// allow-lists.
type Override struct {
	Cooldown   *time.Duration
	MaxActions *int
}

// Apply returns a copy of the policy with the override values in place.
func (p Policy) Apply(o Override) Policy {
	if o.Cooldown != nil && *o.Cooldown >= 0 {
		p.Cooldown = *o.Cooldown
	}
	if o.MaxActions != nil && *o.MaxActions > 0 {
		p.MaxActions = *o.MaxActions
	}
	return p
}

// Conservative permits only the lowest-risk remediations: stale links at low
// or medium severity, long cooldown, few actions per run.
func Conservative() Policy {
	return Policy{
		Name:              "conservative",
		AllowedCategories: []classify.Category{classify.CategoryStaleness},
		AllowedSeverities: []classify.Severity{classify.SeverityLow, classify.SeverityMedium},
		MaxActions:        3,
		Cooldown:          120 * time.Minute,
		RollbackOnFailure: true,
	}
}

// Moderate additionally permits active-failure remediation up to high
// severity.
func Moderate() Policy {
	return Policy{
		Name: "moderate",
		AllowedCategories: []classify.Category{
			classify.CategoryStaleness,
			classify.CategoryActiveFailure,
		},
		AllowedSeverities: []classify.Severity{
			classify.SeverityLow,
			classify.SeverityMedium,
			classify.SeverityHigh,
		},
		MaxActions:        5,
		Cooldown:          60 * time.Minute,
		RollbackOnFailure: true,
	}
}

// Aggressive permits every category and severity. Connectivity issues remain
// manual-only through the actionable flag, so listing the category here only
// widens what a future actionable connectivity remediation could do.
func Aggressive() Policy {
	return Policy{
		Name: "aggressive",
		AllowedCategories: []classify.Category{
			classify.CategoryStaleness,
			classify.CategoryActiveFailure,
			classify.CategoryConnectivity,
		},
		AllowedSeverities: []classify.Severity{
			classify.SeverityLow,
			classify.SeverityMedium,
			classify.SeverityHigh,
			classify.SeverityCritical,
		},
		MaxActions:        10,
		Cooldown:          30 * time.Minute,
		RollbackOnFailure: true,
	}
}

// ByName resolves one of the three fixed tiers.
func ByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "conservative":
		return Conservative(), nil
	case "moderate":
		return Moderate(), nil
	case "aggressive":
		return Aggressive(), nil
	default:
		return Policy{}, fmt.Errorf("policy: unknown tier %q", name)
	}
}
