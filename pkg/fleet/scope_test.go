package fleet

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeDirectory struct {
	sites map[string][]NodeRef
	all   []NodeRef
	err   error
	calls int
}

func (d *fakeDirectory) SiteNodes(ctx context.Context, site string) ([]NodeRef, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.sites[site], nil
}

func (d *fakeDirectory) AllNodes(ctx context.Context) ([]NodeRef, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.all, nil
}

func TestResolveExplicitListPreservesOrderAndDedupes(t *testing.T) {
	dir := &fakeDirectory{}
	resolver, err := NewResolver(dir, AutoApproveGate{})
	if err != nil {
		t.Fatalf("construct resolver: %v", err)
	}

	res, err := resolver.Resolve(context.Background(), Scope{
		Kind:  ScopeList,
		Nodes: []string{"dc02", "dc01", "DC02", " dc03 ", ""},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"dc02", "dc01", "dc03"}
	if len(res.Nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %+v", len(want), res.Nodes)
	}
	for i, node := range res.Nodes {
		if node.Host != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, node.Host)
		}
	}
	if dir.calls != 0 {
		t.Fatal("explicit list must not consult the directory")
	}
}

func TestResolveExplicitListFromDelimitedString(t *testing.T) {
	resolver, _ := NewResolver(&fakeDirectory{}, AutoApproveGate{})

	res, err := resolver.Resolve(context.Background(), Scope{
		Kind:       ScopeList,
		NodeString: "dc01, dc02;dc03 dc01",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %+v", res.Nodes)
	}
}

func TestResolveEmptyExplicitListFailsFast(t *testing.T) {
	dir := &fakeDirectory{}
	resolver, _ := NewResolver(dir, AutoApproveGate{})

	_, err := resolver.Resolve(context.Background(), Scope{Kind: ScopeList})
	if !errors.Is(err, ErrEmptyExplicitList) {
		t.Fatalf("expected ErrEmptyExplicitList, got %v", err)
	}
	if !errors.Is(err, ErrEmptyScope) {
		t.Fatalf("expected the configuration error to still match ErrEmptyScope, got %v", err)
	}
	if dir.calls != 0 {
		t.Fatal("empty explicit list must fail before any directory call")
	}
}

func TestResolveSite(t *testing.T) {
	dir := &fakeDirectory{sites: map[string][]NodeRef{
		"emea": {{Host: "dc10", Site: "emea"}, {Host: "dc11", Site: "emea"}},
	}}
	resolver, _ := NewResolver(dir, AutoApproveGate{})

	res, err := resolver.Resolve(context.Background(), Scope{Kind: ScopeSite, Site: "emea"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", res.Nodes)
	}
	if !strings.Contains(res.Description, "emea") {
		t.Fatalf("expected site in description, got %q", res.Description)
	}
}

func TestResolveEmptySiteFails(t *testing.T) {
	resolver, _ := NewResolver(&fakeDirectory{sites: map[string][]NodeRef{}}, AutoApproveGate{})

	_, err := resolver.Resolve(context.Background(), Scope{Kind: ScopeSite, Site: "apac"})
	if !errors.Is(err, ErrEmptyScope) {
		t.Fatalf("expected ErrEmptyScope, got %v", err)
	}
	if errors.Is(err, ErrEmptyExplicitList) {
		t.Fatalf("empty site answer must not read as a configuration error, got %v", err)
	}
}

func TestResolveFleetRequiresConfirmation(t *testing.T) {
	dir := &fakeDirectory{all: []NodeRef{{Host: "dc01"}, {Host: "dc02"}}}

	cancelGate := GateFunc(func(ctx context.Context, prompt string) (Decision, error) {
		return DecisionCancel, nil
	})
	resolver, _ := NewResolver(dir, cancelGate)

	res, err := resolver.Resolve(context.Background(), Scope{Kind: ScopeFleet})
	if err != nil {
		t.Fatalf("cancelled resolution must not error: %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected cancelled resolution")
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("cancelled resolution must not return nodes, got %+v", res.Nodes)
	}

	resolver, _ = NewResolver(dir, AutoApproveGate{})
	res, err = resolver.Resolve(context.Background(), Scope{Kind: ScopeFleet})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Cancelled || len(res.Nodes) != 2 {
		t.Fatalf("expected full fleet, got %+v", res)
	}
}

func TestResolveFleetPreviewStillListsNodes(t *testing.T) {
	dir := &fakeDirectory{all: []NodeRef{{Host: "dc01"}}}
	resolver, _ := NewResolver(dir, PreviewGate{})

	res, err := resolver.Resolve(context.Background(), Scope{Kind: ScopeFleet})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Preview || len(res.Nodes) != 1 {
		t.Fatalf("expected preview resolution with nodes, got %+v", res)
	}
}

func TestTerminalGateAnswers(t *testing.T) {
	cases := []struct {
		answer string
		want   Decision
	}{
		{answer: "y\n", want: DecisionProceed},
		{answer: "YES\n", want: DecisionProceed},
		{answer: "n\n", want: DecisionCancel},
		{answer: "\n", want: DecisionCancel},
		{answer: "anything\n", want: DecisionCancel},
	}

	for _, tc := range cases {
		var out strings.Builder
		gate, err := NewTerminalGate(strings.NewReader(tc.answer), &out)
		if err != nil {
			t.Fatalf("construct gate: %v", err)
		}
		got, err := gate.Confirm(context.Background(), "proceed")
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if got != tc.want {
			t.Fatalf("answer %q: expected %s, got %s", tc.answer, tc.want, got)
		}
		if !strings.Contains(out.String(), "proceed") {
			t.Fatalf("expected prompt written, got %q", out.String())
		}
	}
}

func TestSplitNodeList(t *testing.T) {
	got := SplitNodeList(" dc01,dc02; dc03\tdc04\ndc05 ")
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %v", got)
	}
}
