// Package audit persists the append-only record of healing actions and the
// rollback contexts needed to compensate failed ones.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one attempted healing action. Once appended it is immutable; the
// ID is the handle for later rollback.
type Record struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Method    string    `json:"method"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Policy    string    `json:"policy"`
	DryRun    bool      `json:"dry_run,omitempty"`
	Timestamp time.Time `json:"ts"`

	// RollbackAvailable marks the action as compensatable.
	RollbackAvailable bool `json:"rollback_available"`
	// RollbackOf references the original action when this record is itself
	// a compensating action.
	RollbackOf string `json:"rollback_of,omitempty"`
}

// IsRollback reports whether the record is a compensating action.
func (r Record) IsRollback() bool { return r.RollbackOf != "" }

// NewID returns a fresh action identifier.
func NewID() string { return uuid.NewString() }

// Trail is the append-only audit store. Append must durably persist the
// record before returning: an action's outcome has to be recorded before the
// run can report it.
type Trail interface {
	Append(ctx context.Context, record Record) error
	// LastAction returns the most recent record for the node/category pair
	// that could have mutated the node, used for cooldown checks. Rollback
	// and dry-run records are skipped: a preview must not start a cooldown
	// that blocks the real repair.
	LastAction(ctx context.Context, node, category string) (Record, bool, error)
	Records(ctx context.Context) ([]Record, error)
}

// FileTrail appends records as JSON lines with a flush per record. Readers
// may scan the file while a run is appending; partial trailing lines are
// skipped rather than failing the read.
type FileTrail struct {
	mu   sync.Mutex
	path string
}

// NewFileTrail constructs a trail at the given path. The file is created on
// first append.
func NewFileTrail(path string) (*FileTrail, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit: trail path must not be empty")
	}
	return &FileTrail{path: path}, nil
}

// Append implements Trail.
func (t *FileTrail) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == "" {
		return errors.New("audit: record requires an id")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush audit record: %w", err)
	}
	return nil
}

// LastAction implements Trail.
func (t *FileTrail) LastAction(ctx context.Context, node, category string) (Record, bool, error) {
	records, err := t.Records(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.IsRollback() || r.DryRun {
			continue
		}
		if r.Node == node && r.Category == category {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Records implements Trail, returning records in append order.
func (t *FileTrail) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()

	records := make([]Record, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// A partial trailing line from an in-progress append is not an
			// error for readers.
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit trail: %w", err)
	}
	return records, nil
}

// MemoryTrail is an in-process Trail for tests and previews.
type MemoryTrail struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryTrail constructs an empty in-memory trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

// Append implements Trail.
func (t *MemoryTrail) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == "" {
		return errors.New("audit: record requires an id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, record)
	return nil
}

// LastAction implements Trail.
func (t *MemoryTrail) LastAction(ctx context.Context, node, category string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.IsRollback() || r.DryRun {
			continue
		}
		if r.Node == node && r.Category == category {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Records implements Trail.
func (t *MemoryTrail) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...), nil
}

var _ Trail = (*FileTrail)(nil)
var _ Trail = (*MemoryTrail)(nil)
