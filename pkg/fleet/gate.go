package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Decision is the three-valued answer of a confirmation gate. Modelling it
// explicitly lets tests drive all paths without terminal interaction.
type Decision string

const (
	// DecisionProceed allows the guarded operation to continue.
	DecisionProceed Decision = "proceed"
	// DecisionCancel declines the guarded operation. A cancel is a normal
	// termination, not an error.
	DecisionCancel Decision = "cancel"
	// DecisionPreview allows decision-making and logging but no mutation.
	DecisionPreview Decision = "preview"
)

// Gate answers yes/no questions before irreversible steps: fleet-wide scope
// resolution and each individual remediation action.
type Gate interface {
	Confirm(ctx context.Context, prompt string) (Decision, error)
}

// GateFunc adapts a function into a Gate.
type GateFunc func(ctx context.Context, prompt string) (Decision, error)

// Confirm implements Gate.
func (f GateFunc) Confirm(ctx context.Context, prompt string) (Decision, error) {
	return f(ctx, prompt)
}

// AutoApproveGate always proceeds. Used in unattended mode.
type AutoApproveGate struct{}

// Confirm implements Gate.
func (AutoApproveGate) Confirm(ctx context.Context, _ string) (Decision, error) {
	select {
	case <-ctx.Done():
		return DecisionCancel, ctx.Err()
	default:
	}
	return DecisionProceed, nil
}

// PreviewGate always answers preview. Used in dry-run mode so a run makes the
// same decisions and emits the same logging without mutating anything.
type PreviewGate struct{}

// Confirm implements Gate.
func (PreviewGate) Confirm(ctx context.Context, _ string) (Decision, error) {
	select {
	case <-ctx.Done():
		return DecisionCancel, ctx.Err()
	default:
	}
	return DecisionPreview, nil
}

// TerminalGate prompts the operator on the attached reader/writer pair.
type TerminalGate struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalGate constructs an interactive gate.
func NewTerminalGate(in io.Reader, out io.Writer) (*TerminalGate, error) {
	if in == nil || out == nil {
		return nil, errors.New("fleet: terminal gate requires input and output streams")
	}
	return &TerminalGate{in: bufio.NewReader(in), out: out}, nil
}

// Confirm implements Gate. Accepted answers: y/yes to proceed, n/no to
// cancel. Anything else cancels; refusing an irreversible action must be the
// easy path.
func (g *TerminalGate) Confirm(ctx context.Context, prompt string) (Decision, error) {
	select {
	case <-ctx.Done():
		return DecisionCancel, ctx.Err()
	default:
	}

	if _, err := fmt.Fprintf(g.out, "%s [y/N]: ", prompt); err != nil {
		return DecisionCancel, fmt.Errorf("write prompt: %w", err)
	}
	line, err := g.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return DecisionCancel, fmt.Errorf("read answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return DecisionProceed, nil
	default:
		return DecisionCancel, nil
	}
}

var _ Gate = GateFunc(nil)
var _ Gate = AutoApproveGate{}
var _ Gate = PreviewGate{}
var _ Gate = (*TerminalGate)(nil)
