// Package repair maps eligible issues onto remediation commands against the
// replication subsystem.
package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/replheald/replheald/pkg/classify"
	"github.com/replheald/replheald/pkg/replication"
)

// Result captures the outcome of one remediation attempt.
type Result struct {
	// Method names the remediation that ran, recorded in the audit trail.
	Method string
	// Success mirrors the external command's exit status.
	Success bool
	Message string
	// DryRun marks results where the mutating call was skipped.
	DryRun bool
}

// SyncExecutor remediates issues by re-driving replication convergence. The
// same synchronization doubles as the compensating action: it drives a fresh
// convergence rather than undoing a specific state change, which keeps
// rollback idempotent even when the original partially succeeded.
type SyncExecutor struct {
	remediator replication.Remediator
	dryRun     bool
}

// NewSyncExecutor constructs an executor. With dryRun set, repairs make the
// same decisions and produce the same records but skip the mutating call.
func NewSyncExecutor(remediator replication.Remediator, dryRun bool) (*SyncExecutor, error) {
	if remediator == nil {
		return nil, errors.New("repair: remediator must not be nil")
	}
	return &SyncExecutor{remediator: remediator, dryRun: dryRun}, nil
}

// MethodFor names the remediation used for an issue category.
func MethodFor(category classify.Category) string {
	switch category {
	case classify.CategoryStaleness:
		return "resync_partner"
	case classify.CategoryActiveFailure:
		return "resync_clear_failure"
	default:
		return "resync"
	}
}

// Repair invokes the synchronization for the issue's node.
func (e *SyncExecutor) Repair(ctx context.Context, issue classify.Issue) (Result, error) {
	method := MethodFor(issue.Category)
	if e.dryRun {
		return Result{
			Method:  method,
			Success: true,
			Message: "dry-run: synchronization skipped",
			DryRun:  true,
		}, nil
	}

	res, err := e.remediator.Synchronize(ctx, issue.Node.Host)
	if err != nil {
		return Result{Method: method}, fmt.Errorf("synchronize %s: %w", issue.Node.Host, err)
	}
	result := Result{
		Method:  method,
		Success: res.Succeeded(),
	}
	if result.Success {
		result.Message = "synchronization completed"
	} else {
		result.Message = fmt.Sprintf("synchronization exited %d", res.ExitCode)
	}
	return result, nil
}

// Rollback re-drives convergence for the node of a failed action.
func (e *SyncExecutor) Rollback(ctx context.Context, issue classify.Issue, originalID string) (Result, error) {
	method := "redrive_convergence"
	if e.dryRun {
		return Result{
			Method:  method,
			Success: true,
			Message: fmt.Sprintf("dry-run: compensation for %s skipped", originalID),
			DryRun:  true,
		}, nil
	}

	res, err := e.remediator.Synchronize(ctx, issue.Node.Host)
	if err != nil {
		return Result{Method: method}, fmt.Errorf("compensate %s: %w", originalID, err)
	}
	result := Result{
		Method:  method,
		Success: res.Succeeded(),
	}
	if result.Success {
		result.Message = fmt.Sprintf("compensating convergence for %s completed", originalID)
	} else {
		result.Message = fmt.Sprintf("compensating convergence for %s exited %d", originalID, res.ExitCode)
	}
	return result, nil
}
