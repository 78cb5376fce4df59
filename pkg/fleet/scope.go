package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NodeRef identifies a replica in the fleet. Immutable once resolved; it is
// the identity key for every downstream record.
type NodeRef struct {
	Host string
	Site string
}

// String returns the node identity used in logs and persisted records.
func (n NodeRef) String() string { return n.Host }

// ScopeKind enumerates the supported scope specifications.
type ScopeKind string

const (
	// ScopeList targets an explicit set of nodes.
	ScopeList ScopeKind = "list"
	// ScopeSite targets every node registered under a named site.
	ScopeSite ScopeKind = "site"
	// ScopeFleet targets the entire fleet and requires confirmation.
	ScopeFleet ScopeKind = "fleet"
)

// Scope describes which nodes a run should examine. Exactly one of the
// kind-specific fields is consulted, selected by Kind.
type Scope struct {
	Kind ScopeKind
	// Nodes is a pre-split explicit list.
	Nodes []string
	// NodeString is a delimiter-joined explicit list, used when Nodes is empty.
	NodeString string
	// Site names the site for ScopeSite.
	Site string
}

// ErrEmptyScope is returned when a scope specification resolves to zero nodes.
var ErrEmptyScope = errors.New("fleet: scope resolves to zero nodes")

// ErrEmptyExplicitList is returned when the configured explicit node list
// contains no nodes. It is a configuration error, distinct from a directory
// legitimately answering with zero nodes; it still matches ErrEmptyScope
// under errors.Is for callers that only care about the zero-node outcome.
var ErrEmptyExplicitList = fmt.Errorf("fleet: explicit node list is empty: %w", ErrEmptyScope)

// Directory lists fleet membership. Implementations query the directory
// service; tests provide fixtures.
type Directory interface {
	SiteNodes(ctx context.Context, site string) ([]NodeRef, error)
	AllNodes(ctx context.Context) ([]NodeRef, error)
}

// Resolution is the outcome of resolving a scope. A cancelled resolution is a
// normal termination, not an error: the operator declined the fleet-wide gate.
type Resolution struct {
	Nodes       []NodeRef
	Description string
	Cancelled   bool
	Preview     bool
}

// Resolver turns scope specifications into concrete node sets. It is the only
// place scope ambiguity is resolved; every downstream component assumes a
// concrete node list.
type Resolver struct {
	dir  Directory
	gate Gate
}

// NewResolver constructs a Resolver. The gate guards fleet-wide resolution.
func NewResolver(dir Directory, gate Gate) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("fleet: directory must not be nil")
	}
	if gate == nil {
		gate = AutoApproveGate{}
	}
	return &Resolver{dir: dir, gate: gate}, nil
}

// Resolve produces the ordered, de-duplicated node set for the scope.
func (r *Resolver) Resolve(ctx context.Context, scope Scope) (Resolution, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch scope.Kind {
	case ScopeList:
		return r.resolveList(scope)
	case ScopeSite:
		return r.resolveSite(ctx, scope)
	case ScopeFleet:
		return r.resolveFleet(ctx)
	default:
		return Resolution{}, fmt.Errorf("fleet: unsupported scope kind %q", scope.Kind)
	}
}

func (r *Resolver) resolveList(scope Scope) (Resolution, error) {
	names := scope.Nodes
	if len(names) == 0 && strings.TrimSpace(scope.NodeString) != "" {
		names = SplitNodeList(scope.NodeString)
	}
	deduped := dedupe(names)
	if len(deduped) == 0 {
		return Resolution{}, ErrEmptyExplicitList
	}

	nodes := make([]NodeRef, 0, len(deduped))
	for _, name := range deduped {
		nodes = append(nodes, NodeRef{Host: name})
	}
	return Resolution{
		Nodes:       nodes,
		Description: fmt.Sprintf("%d explicit nodes", len(nodes)),
	}, nil
}

func (r *Resolver) resolveSite(ctx context.Context, scope Scope) (Resolution, error) {
	site := strings.TrimSpace(scope.Site)
	if site == "" {
		return Resolution{}, errors.New("fleet: site scope requires a site name")
	}
	nodes, err := r.dir.SiteNodes(ctx, site)
	if err != nil {
		return Resolution{}, fmt.Errorf("list site %s: %w", site, err)
	}
	nodes = dedupeRefs(nodes)
	if len(nodes) == 0 {
		return Resolution{}, fmt.Errorf("fleet: site %s: %w", site, ErrEmptyScope)
	}
	return Resolution{
		Nodes:       nodes,
		Description: fmt.Sprintf("site %s (%d nodes)", site, len(nodes)),
	}, nil
}

func (r *Resolver) resolveFleet(ctx context.Context) (Resolution, error) {
	decision, err := r.gate.Confirm(ctx, "target the entire fleet?")
	if err != nil {
		return Resolution{}, fmt.Errorf("fleet confirmation: %w", err)
	}
	switch decision {
	case DecisionCancel:
		return Resolution{Cancelled: true, Description: "fleet scope cancelled"}, nil
	case DecisionPreview:
		// Preview still resolves so the operator can inspect the node set.
	case DecisionProceed:
	default:
		return Resolution{}, fmt.Errorf("fleet: unexpected gate decision %q", decision)
	}

	nodes, err := r.dir.AllNodes(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("list fleet: %w", err)
	}
	nodes = dedupeRefs(nodes)
	if len(nodes) == 0 {
		return Resolution{}, fmt.Errorf("fleet: %w", ErrEmptyScope)
	}
	return Resolution{
		Nodes:       nodes,
		Description: fmt.Sprintf("entire fleet (%d nodes)", len(nodes)),
		Preview:     decision == DecisionPreview,
	}, nil
}

// SplitNodeList normalizes a delimiter-joined node string. Commas, semicolons
// and whitespace all act as separators.
func SplitNodeList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func dedupeRefs(nodes []NodeRef) []NodeRef {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]NodeRef, 0, len(nodes))
	for _, node := range nodes {
		host := strings.TrimSpace(node.Host)
		if host == "" {
			continue
		}
		key := strings.ToLower(host)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		node.Host = host
		out = append(out, node)
	}
	return out
}
