package replication

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable indicates the target node could not be contacted at all.
	ErrUnreachable = errors.New("replication: node unreachable")
	// ErrAccessDenied indicates the caller lacks permission on the target node.
	ErrAccessDenied = errors.New("replication: access denied")
	// ErrNotFound indicates the queried replication object does not exist.
	ErrNotFound = errors.New("replication: object not found")
	// ErrUnavailable indicates a transient transport failure worth retrying.
	ErrUnavailable = errors.New("replication: transport unavailable")
)

// IsPermanent reports whether err represents a condition that retrying cannot
// fix. Permanent failures abort only the affected node, never the run.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// PartnerLink describes one inbound replication relationship of a node, as
// reported by the replication subsystem. Values are read-only snapshots of the
// remote state.
type PartnerLink struct {
	Partner             string    `json:"partner"`
	Partition           string    `json:"partition"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastResult          int       `json:"last_result"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HoursSinceSuccess derives the staleness of the link relative to now. A link
// that never succeeded reports the age since the last attempt instead, so a
// fresh partner does not immediately classify as stale.
func (l PartnerLink) HoursSinceSuccess(now time.Time) float64 {
	ref := l.LastSuccess
	if ref.IsZero() {
		ref = l.LastAttempt
	}
	if ref.IsZero() || ref.After(now) {
		return 0
	}
	return now.Sub(ref).Hours()
}

// ActiveFailure describes an unresolved replication failure record.
type ActiveFailure struct {
	Partner       string    `json:"partner"`
	Type          string    `json:"type"`
	Count         int       `json:"count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastErrorCode int       `json:"last_error_code"`
}

// SyncResult captures the outcome of invoking a synchronization against a
// node. Success is signalled by a zero exit status, never by output content.
type SyncResult struct {
	ExitCode int
	Output   string
}

// Succeeded reports whether the synchronization completed cleanly.
func (r SyncResult) Succeeded() bool { return r.ExitCode == 0 }

// Querier exposes the read side of the replication subsystem.
type Querier interface {
	// Partners returns the inbound replication links for the node. It fails
	// with ErrUnreachable when the node cannot be contacted, distinguishable
	// from generic errors.
	Partners(ctx context.Context, node string) ([]PartnerLink, error)
	// ActiveFailures returns the unresolved failure records for the node.
	// An empty result is legitimate.
	ActiveFailures(ctx context.Context, node string) ([]ActiveFailure, error)
}

// Remediator exposes the command side of the replication subsystem.
type Remediator interface {
	// Synchronize re-drives replication convergence for the node.
	Synchronize(ctx context.Context, node string) (SyncResult, error)
	// VerificationQuery returns raw status text for the node, parsed by the
	// verifier against configured success and failure markers.
	VerificationQuery(ctx context.Context, node string) (string, error)
}
