// Package deltacache persists which nodes were unhealthy on the previous
// run so the next run can narrow its working set. The cache is an
// efficiency optimization, never a correctness requirement: any doubt about
// its validity falls back to a full scan.
package deltacache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/replheald/replheald/pkg/fleet"
)

// Record is the single persisted cache entry, overwritten each run.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalNodes       int       `json:"total_nodes"`
	DegradedNodes    []string  `json:"degraded_nodes"`
	UnreachableNodes []string  `json:"unreachable_nodes"`
	IssueNodes       []string  `json:"issue_nodes"`
	// NextTargets is the union of unhealthy nodes, the working set proposed
	// for the following run. Empty means the previous run found nothing.
	NextTargets []string `json:"next_targets"`
}

// DefaultMaxAge is the age past which a cache record is treated as absent.
const DefaultMaxAge = 24 * time.Hour

// Cache reads and atomically replaces the record at a fixed path.
type Cache struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithMaxAge overrides the expiry threshold.
func WithMaxAge(maxAge time.Duration) Option {
	return func(c *Cache) {
		if maxAge > 0 {
			c.maxAge = maxAge
		}
	}
}

// WithTimeSource injects a custom clock (tests).
func WithTimeSource(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs a Cache over the given file path.
func New(path string, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, errors.New("deltacache: path must not be empty")
	}
	c := &Cache{
		path:   path,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Save replaces the cache record. The write goes to a temporary file in the
// same directory followed by a rename, so a concurrent reader sees either
// the old record or the new one, never a torn write.
func (c *Cache) Save(record Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = c.now()
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush cache record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temporary cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Load returns the current record. The second return is false when no valid
// record exists: missing file, unreadable content, or a record older than
// the expiry threshold all count as absent.
func (c *Cache) Load() (Record, bool, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read cache file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt cache means a full scan, not a failed run.
		return Record{}, false, nil
	}
	if record.Timestamp.IsZero() || c.now().Sub(record.Timestamp) > c.maxAge {
		return Record{}, false, nil
	}
	return record, true, nil
}

// Clear removes the cache record. A missing file is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// Narrowing is the outcome of applying the cache to a resolved scope.
type Narrowing struct {
	Nodes    []fleet.NodeRef
	Narrowed bool
	Reason   string
}

// Narrow restricts scope to the cached targets when the cache is valid.
// A forced full scan, a missing or expired cache, a clean previous run, or
// a cached node that left the scope all return the scope unchanged.
func (c *Cache) Narrow(scope []fleet.NodeRef, forceFull bool) (Narrowing, error) {
	full := func(reason string) Narrowing {
		return Narrowing{Nodes: scope, Narrowed: false, Reason: reason}
	}

	if forceFull {
		return full("full scan forced"), nil
	}

	record, ok, err := c.Load()
	if err != nil {
		return Narrowing{}, err
	}
	if !ok {
		return full("no valid cache record"), nil
	}
	if len(record.NextTargets) == 0 {
		// A clean previous run still rescans everything, so regressions on
		// previously healthy nodes are not missed.
		return full("previous run found no issues"), nil
	}

	byHost := make(map[string]fleet.NodeRef, len(scope))
	for _, node := range scope {
		byHost[strings.ToLower(node.Host)] = node
	}

	narrowed := make([]fleet.NodeRef, 0, len(record.NextTargets))
	for _, target := range record.NextTargets {
		node, ok := byHost[strings.ToLower(target)]
		if !ok {
			return full(fmt.Sprintf("cached node %s no longer in scope", target)), nil
		}
		narrowed = append(narrowed, node)
	}
	return Narrowing{
		Nodes:    narrowed,
		Narrowed: true,
		Reason:   fmt.Sprintf("narrowed to %d of %d nodes from previous run", len(narrowed), len(scope)),
	}, nil
}

// BuildRecord assembles the next cache record from a finished run.
func BuildRecord(now time.Time, total int, degraded, unreachable, issueNodes []string) Record {
	record := Record{
		Timestamp:        now,
		TotalNodes:       total,
		DegradedNodes:    append([]string(nil), degraded...),
		UnreachableNodes: append([]string(nil), unreachable...),
		IssueNodes:       append([]string(nil), issueNodes...),
	}

	seen := make(map[string]bool)
	for _, group := range [][]string{degraded, unreachable, issueNodes} {
		for _, node := range group {
			key := strings.ToLower(node)
			if seen[key] {
				continue
			}
			seen[key] = true
			record.NextTargets = append(record.NextTargets, node)
		}
	}
	return record
}
