package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// NodePlaceholder is substituted with the target node name in configured
// command templates. When absent the node is appended as the final argument.
const NodePlaceholder = "{node}"

// CommandBackendOptions configures the external tool adapter.
type CommandBackendOptions struct {
	// PartnersCmd emits the node's partner links as a JSON array on stdout.
	PartnersCmd []string
	// FailuresCmd emits the node's active failure records as a JSON array.
	FailuresCmd []string
	// SyncCmd re-drives replication convergence for the node.
	SyncCmd []string
	// VerifyCmd emits raw replication status text for the node.
	VerifyCmd []string
	// DiagnosticCmd optionally runs a third-party diagnostic for the node.
	DiagnosticCmd []string
	// UnreachableExitCodes are tool exit codes mapped to ErrUnreachable.
	UnreachableExitCodes []int
	// DeniedExitCodes are tool exit codes mapped to ErrAccessDenied.
	DeniedExitCodes []int
	// NotFoundExitCodes are tool exit codes mapped to ErrNotFound.
	NotFoundExitCodes []int
	// UnavailableExitCodes are tool exit codes mapped to ErrUnavailable.
	UnavailableExitCodes []int
}

// CommandBackend adapts an external replication tool into the Querier and
// Remediator contracts by shelling out per node. The tool (or a wrapper
// script) owns the parsing of any third-party diagnostic output; this adapter
// only decodes the JSON it is contracted to emit and maps exit codes onto the
// error taxonomy.
type CommandBackend struct {
	opts    CommandBackendOptions
	runner  commandRunner
	decoder func(data []byte, v interface{}) error
}

type commandRunner func(ctx context.Context, argv []string) (int, string, string, error)

// CommandBackendOption customises the backend, primarily for tests.
type CommandBackendOption func(*CommandBackend)

// WithCommandRunner overrides the process execution function.
func WithCommandRunner(fn func(ctx context.Context, argv []string) (int, string, string, error)) CommandBackendOption {
	return func(b *CommandBackend) {
		if fn != nil {
			b.runner = fn
		}
	}
}

// NewCommandBackend validates the command templates and constructs the adapter.
func NewCommandBackend(opts CommandBackendOptions, backendOpts ...CommandBackendOption) (*CommandBackend, error) {
	for name, argv := range map[string][]string{
		"partners": opts.PartnersCmd,
		"failures": opts.FailuresCmd,
		"sync":     opts.SyncCmd,
		"verify":   opts.VerifyCmd,
	} {
		if len(argv) == 0 {
			return nil, fmt.Errorf("replication tool %s command must not be empty", name)
		}
		if strings.TrimSpace(argv[0]) == "" {
			return nil, fmt.Errorf("replication tool %s command requires an executable", name)
		}
	}

	backend := &CommandBackend{
		opts:    opts,
		runner:  runCommand,
		decoder: json.Unmarshal,
	}
	for _, opt := range backendOpts {
		opt(backend)
	}
	return backend, nil
}

// Partners implements Querier.
func (b *CommandBackend) Partners(ctx context.Context, node string) ([]PartnerLink, error) {
	stdout, err := b.query(ctx, b.opts.PartnersCmd, node)
	if err != nil {
		return nil, err
	}
	var links []PartnerLink
	if err := b.decoder([]byte(stdout), &links); err != nil {
		return nil, fmt.Errorf("decode partner metadata for %s: %w", node, err)
	}
	return links, nil
}

// ActiveFailures implements Querier.
func (b *CommandBackend) ActiveFailures(ctx context.Context, node string) ([]ActiveFailure, error) {
	stdout, err := b.query(ctx, b.opts.FailuresCmd, node)
	if err != nil {
		return nil, err
	}
	var failures []ActiveFailure
	if err := b.decoder([]byte(stdout), &failures); err != nil {
		return nil, fmt.Errorf("decode active failures for %s: %w", node, err)
	}
	return failures, nil
}

// Synchronize implements Remediator. Non-zero tool exit codes are part of the
// result, not an error: the caller decides what a failed synchronization means.
func (b *CommandBackend) Synchronize(ctx context.Context, node string) (SyncResult, error) {
	argv := expandNode(b.opts.SyncCmd, node)
	exitCode, stdout, stderr, err := b.runner(ctx, argv)
	if err != nil {
		return SyncResult{}, fmt.Errorf("invoke synchronization for %s: %w", node, err)
	}
	output := stdout
	if strings.TrimSpace(stderr) != "" {
		output = strings.TrimSpace(stdout + "\n" + stderr)
	}
	return SyncResult{ExitCode: exitCode, Output: output}, nil
}

// VerificationQuery implements Remediator.
func (b *CommandBackend) VerificationQuery(ctx context.Context, node string) (string, error) {
	return b.query(ctx, b.opts.VerifyCmd, node)
}

// Diagnose runs the optional diagnostic command for the node and returns its
// raw output.
func (b *CommandBackend) Diagnose(ctx context.Context, node string) (string, error) {
	if len(b.opts.DiagnosticCmd) == 0 {
		return "", errors.New("no diagnostic command configured")
	}
	return b.query(ctx, b.opts.DiagnosticCmd, node)
}

func (b *CommandBackend) query(ctx context.Context, template []string, node string) (string, error) {
	argv := expandNode(template, node)
	exitCode, stdout, stderr, err := b.runner(ctx, argv)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		if mapped := b.mapExitCode(exitCode); mapped != nil {
			return "", fmt.Errorf("query %s: %w", node, mapped)
		}
		return "", fmt.Errorf("query %s: tool exited %d: %s", node, exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (b *CommandBackend) mapExitCode(code int) error {
	for _, c := range b.opts.UnreachableExitCodes {
		if c == code {
			return ErrUnreachable
		}
	}
	for _, c := range b.opts.DeniedExitCodes {
		if c == code {
			return ErrAccessDenied
		}
	}
	for _, c := range b.opts.NotFoundExitCodes {
		if c == code {
			return ErrNotFound
		}
	}
	for _, c := range b.opts.UnavailableExitCodes {
		if c == code {
			return ErrUnavailable
		}
	}
	return nil
}

func expandNode(template []string, node string) []string {
	argv := make([]string, 0, len(template)+1)
	substituted := false
	for _, arg := range template {
		if strings.Contains(arg, NodePlaceholder) {
			arg = strings.ReplaceAll(arg, NodePlaceholder, node)
			substituted = true
		}
		argv = append(argv, arg)
	}
	if !substituted {
		argv = append(argv, node)
	}
	return argv
}

func runCommand(ctx context.Context, argv []string) (int, string, string, error) {
	if len(argv) == 0 {
		return 0, "", "", errors.New("empty command")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, stdout.String(), stderr.String(), ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return 0, stdout.String(), stderr.String(), fmt.Errorf("run %s: %w", argv[0], err)
	}
	return 0, stdout.String(), stderr.String(), nil
}

var _ Querier = (*CommandBackend)(nil)
var _ Remediator = (*CommandBackend)(nil)
