package snapshot

import (
	"time"

	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/replication"
)

// Status classifies the replication state captured for a node.
type Status string

const (
	// StatusHealthy means both queries succeeded and no failures are active.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the node answered but carries active failures.
	StatusDegraded Status = "degraded"
	// StatusUnreachable means the transport reported the node as unreachable.
	StatusUnreachable Status = "unreachable"
	// StatusFailed means collection failed for any other reason, including
	// the per-node timeout.
	StatusFailed Status = "failed"
)

// Snapshot is the replication state of one node at one collection cycle.
// Snapshots are never mutated after creation; a later cycle replaces them.
type Snapshot struct {
	Node       fleet.NodeRef
	CapturedAt time.Time
	Partners   []replication.PartnerLink
	Failures   []replication.ActiveFailure
	Status     Status
	Err        string
}

// Reachable reports whether the node answered its queries.
func (s Snapshot) Reachable() bool {
	return s.Status == StatusHealthy || s.Status == StatusDegraded
}
