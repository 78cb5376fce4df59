// Package testutil provides scripted replication-subsystem fakes shared by
// component and orchestration tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/replheald/replheald/pkg/replication"
)

// NodeFixture scripts the behaviour of one fake node.
type NodeFixture struct {
	Partners []replication.PartnerLink
	Failures []replication.ActiveFailure

	// PartnersErr and FailuresErr are returned by the respective queries.
	// When PartnersErrTimes is positive the partners error clears after
	// that many calls, which exercises retry paths.
	PartnersErr      error
	PartnersErrTimes int
	FailuresErr      error

	// Delay is applied before answering queries to simulate slow nodes.
	Delay time.Duration

	SyncResult replication.SyncResult
	SyncErr    error
	VerifyText string
	VerifyErr  error
}

// FakeBackend implements replication.Querier and replication.Remediator from
// per-node fixtures. Unknown nodes answer as unreachable.
type FakeBackend struct {
	mu       sync.Mutex
	fixtures map[string]*NodeFixture
	calls    map[string]int
}

// NewFakeBackend constructs an empty backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		fixtures: make(map[string]*NodeFixture),
		calls:    make(map[string]int),
	}
}

// SetNode registers or replaces a node fixture.
func (b *FakeBackend) SetNode(node string, fixture NodeFixture) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fixtures[node] = &fixture
}

// Calls reports how many times the named operation ran for the node.
// Operations: partners, failures, sync, verify.
func (b *FakeBackend) Calls(node, op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[node+"/"+op]
}

func (b *FakeBackend) fixture(node, op string) (*NodeFixture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[node+"/"+op]++
	fixture, ok := b.fixtures[node]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", node, replication.ErrUnreachable)
	}
	return fixture, nil
}

func (b *FakeBackend) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Partners implements replication.Querier.
func (b *FakeBackend) Partners(ctx context.Context, node string) ([]replication.PartnerLink, error) {
	fixture, err := b.fixture(node, "partners")
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx, fixture.Delay); err != nil {
		return nil, err
	}
	if fixture.PartnersErr != nil {
		b.mu.Lock()
		expired := fixture.PartnersErrTimes > 0 && b.calls[node+"/partners"] > fixture.PartnersErrTimes
		b.mu.Unlock()
		if !expired {
			return nil, fixture.PartnersErr
		}
	}
	return append([]replication.PartnerLink(nil), fixture.Partners...), nil
}

// ActiveFailures implements replication.Querier.
func (b *FakeBackend) ActiveFailures(ctx context.Context, node string) ([]replication.ActiveFailure, error) {
	fixture, err := b.fixture(node, "failures")
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx, fixture.Delay); err != nil {
		return nil, err
	}
	if fixture.FailuresErr != nil {
		return nil, fixture.FailuresErr
	}
	return append([]replication.ActiveFailure(nil), fixture.Failures...), nil
}

// Synchronize implements replication.Remediator.
func (b *FakeBackend) Synchronize(ctx context.Context, node string) (replication.SyncResult, error) {
	fixture, err := b.fixture(node, "sync")
	if err != nil {
		return replication.SyncResult{}, err
	}
	if fixture.SyncErr != nil {
		return replication.SyncResult{}, fixture.SyncErr
	}
	return fixture.SyncResult, nil
}

// VerificationQuery implements replication.Remediator.
func (b *FakeBackend) VerificationQuery(ctx context.Context, node string) (string, error) {
	fixture, err := b.fixture(node, "verify")
	if err != nil {
		return "", err
	}
	if fixture.VerifyErr != nil {
		return "", fixture.VerifyErr
	}
	return fixture.VerifyText, nil
}

var _ replication.Querier = (*FakeBackend)(nil)
var _ replication.Remediator = (*FakeBackend)(nil)
