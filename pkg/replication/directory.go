package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/replheald/replheald/pkg/fleet"
)

// nodeRecord is the JSON shape the directory listing command emits per node.
type nodeRecord struct {
	Host string `json:"host"`
	Site string `json:"site"`
}

// CommandDirectory lists fleet membership by shelling out to the external
// tool. The command takes no node argument and emits a JSON array of
// {host, site} records on stdout.
type CommandDirectory struct {
	cmd     []string
	runner  commandRunner
	decoder func(data []byte, v interface{}) error
}

// CommandDirectoryOption customises the directory, primarily for tests.
type CommandDirectoryOption func(*CommandDirectory)

// WithDirectoryRunner overrides the process execution function.
func WithDirectoryRunner(fn func(ctx context.Context, argv []string) (int, string, string, error)) CommandDirectoryOption {
	return func(d *CommandDirectory) {
		if fn != nil {
			d.runner = fn
		}
	}
}

// NewCommandDirectory validates the listing command and constructs the directory.
func NewCommandDirectory(cmd []string, opts ...CommandDirectoryOption) (*CommandDirectory, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("directory listing command must not be empty")
	}
	if strings.TrimSpace(cmd[0]) == "" {
		return nil, fmt.Errorf("directory listing command requires an executable")
	}

	dir := &CommandDirectory{
		cmd:     cmd,
		runner:  runCommand,
		decoder: json.Unmarshal,
	}
	for _, opt := range opts {
		opt(dir)
	}
	return dir, nil
}

// AllNodes implements fleet.Directory.
func (d *CommandDirectory) AllNodes(ctx context.Context) ([]fleet.NodeRef, error) {
	records, err := d.list(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]fleet.NodeRef, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, fleet.NodeRef{Host: rec.Host, Site: rec.Site})
	}
	return nodes, nil
}

// SiteNodes implements fleet.Directory by filtering the full listing.
func (d *CommandDirectory) SiteNodes(ctx context.Context, site string) ([]fleet.NodeRef, error) {
	records, err := d.list(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]fleet.NodeRef, 0)
	for _, rec := range records {
		if strings.EqualFold(rec.Site, site) {
			nodes = append(nodes, fleet.NodeRef{Host: rec.Host, Site: rec.Site})
		}
	}
	return nodes, nil
}

func (d *CommandDirectory) list(ctx context.Context) ([]nodeRecord, error) {
	exitCode, stdout, stderr, err := d.runner(ctx, d.cmd)
	if err != nil {
		return nil, fmt.Errorf("invoke directory listing: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("directory listing exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	var records []nodeRecord
	if err := d.decoder([]byte(stdout), &records); err != nil {
		return nil, fmt.Errorf("decode directory listing: %w", err)
	}
	return records, nil
}

var _ fleet.Directory = (*CommandDirectory)(nil)
