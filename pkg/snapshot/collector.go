package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/replheald/replheald/pkg/fleet"
	"github.com/replheald/replheald/pkg/observability"
	"github.com/replheald/replheald/pkg/replication"
)

const (
	// MinConcurrency and MaxConcurrency bound the collection fan-out.
	MinConcurrency = 1
	MaxConcurrency = 32
	// MinNodeTimeout and MaxNodeTimeout bound the per-node query budget.
	MinNodeTimeout = 60 * time.Second
	MaxNodeTimeout = 3600 * time.Second
)

// Collector retrieves replication snapshots for a set of nodes. One node's
// failure never aborts collection for the others.
type Collector interface {
	Collect(ctx context.Context, nodes []fleet.NodeRef) ([]Snapshot, error)
}

// Options configures snapshot collection.
type Options struct {
	// Concurrency caps simultaneous in-flight node collections (1-32).
	Concurrency int
	// NodeTimeout is the total query budget per node (60s-3600s).
	NodeTimeout time.Duration
	// MaxAttempts caps tries per query for transient errors.
	MaxAttempts int
	// BackoffMin and BackoffMax bound the exponential retry backoff.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Sequential forces the strictly serial backend. Resolved once at
	// startup; both backends share identical per-node semantics.
	Sequential bool
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
}

func (o Options) validate() error {
	if o.Concurrency < MinConcurrency || o.Concurrency > MaxConcurrency {
		return fmt.Errorf("snapshot: concurrency must be within [%d,%d], got %d", MinConcurrency, MaxConcurrency, o.Concurrency)
	}
	if o.NodeTimeout < MinNodeTimeout || o.NodeTimeout > MaxNodeTimeout {
		return fmt.Errorf("snapshot: node timeout must be within [%s,%s], got %s", MinNodeTimeout, MaxNodeTimeout, o.NodeTimeout)
	}
	return nil
}

type collector struct {
	querier  replication.Querier
	opts     Options
	reporter observability.Reporter
	sleep    func(time.Duration)
	now      func() time.Time
	rnd      *rand.Rand
	rndMu    sync.Mutex
}

// Option customises a collector.
type Option func(*collector)

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(c *collector) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithSleepFunc overrides the sleep used between retries (tests).
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *collector) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithTimeSource injects a custom clock (tests).
func WithTimeSource(fn func() time.Time) Option {
	return func(c *collector) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRandSource injects a deterministic random source for backoff jitter.
func WithRandSource(src rand.Source) Option {
	return func(c *collector) {
		c.rnd = rand.New(src)
	}
}

// New constructs a Collector. Unless Options.Sequential is set, the pooled
// backend is selected; single-processor runtimes fall back to the sequential
// backend with the same per-node semantics.
func New(querier replication.Querier, opts Options, collectorOpts ...Option) (Collector, error) {
	if querier == nil {
		return nil, errors.New("snapshot: querier must not be nil")
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if runtime.GOMAXPROCS(0) == 1 {
		opts.Sequential = true
	}

	core := &collector{
		querier:  querier,
		opts:     opts,
		reporter: observability.NoopReporter{},
		sleep:    time.Sleep,
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range collectorOpts {
		opt(core)
	}

	if opts.Sequential {
		return &sequentialCollector{core: core}, nil
	}
	return &pooledCollector{core: core}, nil
}

// pooledCollector fans out over a bounded worker pool. Results land in a
// positional slice so aggregation is race-free and order-preserving.
type pooledCollector struct {
	core *collector
}

func (p *pooledCollector) Collect(ctx context.Context, nodes []fleet.NodeRef) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	results := make([]Snapshot, len(nodes))
	sem := make(chan struct{}, p.core.opts.Concurrency)
	var wg sync.WaitGroup

	for i, node := range nodes {
		wg.Add(1)
		go func(idx int, node fleet.NodeRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = p.core.collectNode(ctx, node)
		}(i, node)
	}
	wg.Wait()

	return results, ctx.Err()
}

// sequentialCollector processes nodes strictly one at a time. It exists for
// constrained runtimes and deterministic debugging, not as a separate code
// path through the per-node logic.
type sequentialCollector struct {
	core *collector
}

func (s *sequentialCollector) Collect(ctx context.Context, nodes []fleet.NodeRef) ([]Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]Snapshot, 0, len(nodes))
	for _, node := range nodes {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, s.core.collectNode(ctx, node))
	}
	return results, nil
}

func (c *collector) collectNode(ctx context.Context, node fleet.NodeRef) Snapshot {
	snap := Snapshot{Node: node, CapturedAt: c.now()}

	nodeCtx, cancel := context.WithTimeout(ctx, c.opts.NodeTimeout)
	defer cancel()

	start := c.now()

	partners, err := c.queryPartners(nodeCtx, node)
	if err == nil {
		snap.Partners = partners
		snap.Failures, err = c.queryFailures(nodeCtx, node)
	}

	switch {
	case err == nil:
		if len(snap.Failures) == 0 {
			snap.Status = StatusHealthy
		} else {
			snap.Status = StatusDegraded
		}
	case errors.Is(err, replication.ErrUnreachable):
		snap.Status = StatusUnreachable
		snap.Err = fmt.Sprintf("node unreachable: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		snap.Status = StatusFailed
		snap.Err = fmt.Sprintf("collection timed out after %s", c.opts.NodeTimeout)
	default:
		snap.Status = StatusFailed
		snap.Err = err.Error()
	}

	c.recordCollection(ctx, node, snap, c.now().Sub(start))
	return snap
}

func (c *collector) queryPartners(ctx context.Context, node fleet.NodeRef) ([]replication.PartnerLink, error) {
	var links []replication.PartnerLink
	err := c.withRetry(ctx, node, "partners", func(ctx context.Context) error {
		var err error
		links, err = c.querier.Partners(ctx, node.Host)
		return err
	})
	return links, err
}

func (c *collector) queryFailures(ctx context.Context, node fleet.NodeRef) ([]replication.ActiveFailure, error) {
	var failures []replication.ActiveFailure
	err := c.withRetry(ctx, node, "active_failures", func(ctx context.Context) error {
		var err error
		failures, err = c.querier.ActiveFailures(ctx, node.Host)
		return err
	})
	return failures, err
}

// withRetry retries transient failures with capped exponential backoff and
// jitter. Permanent and unreachable errors surface immediately.
func (c *collector) withRetry(ctx context.Context, node fleet.NodeRef, query string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !replication.IsTransient(lastErr) || errors.Is(lastErr, replication.ErrUnreachable) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == c.opts.MaxAttempts-1 {
			break
		}

		delay := c.nextBackoffDelay(attempt)
		c.recordRetry(ctx, node, query, attempt, delay, lastErr)
		if err := c.sleepWithContext(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *collector) nextBackoffDelay(attempt int) time.Duration {
	min, max := c.opts.BackoffMin, c.opts.BackoffMax
	multiplier := time.Duration(1 << attempt)
	if multiplier <= 0 {
		multiplier = 1
	}
	base := min * multiplier
	if base > max {
		base = max
	}
	if base <= min {
		return min
	}
	jitterRange := base - min
	c.rndMu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(jitterRange) + 1))
	c.rndMu.Unlock()
	return min + jitter
}

func (c *collector) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *collector) recordRetry(ctx context.Context, node fleet.NodeRef, query string, attempt int, delay time.Duration, err error) {
	c.reporter.RecordMetric(observability.Metric{
		Name:        "collection_retries_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"query": query},
		Description: "Number of retried replication queries grouped by query kind.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelWarn,
		Node:  node.Host,
		Event: "collection_retry",
		Fields: map[string]interface{}{
			"query":    query,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		},
	})
}

func (c *collector) recordCollection(ctx context.Context, node fleet.NodeRef, snap Snapshot, duration time.Duration) {
	level := observability.LevelInfo
	if snap.Status == StatusUnreachable || snap.Status == StatusFailed {
		level = observability.LevelWarn
	}

	fields := map[string]interface{}{
		"status":      string(snap.Status),
		"partners":    len(snap.Partners),
		"failures":    len(snap.Failures),
		"duration_ms": duration.Milliseconds(),
	}
	if snap.Err != "" {
		fields["error"] = snap.Err
	}

	c.reporter.RecordMetric(observability.Metric{
		Name:        "snapshots_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"status": string(snap.Status)},
		Description: "Number of node snapshots grouped by resulting status.",
	})
	c.reporter.RecordMetric(observability.Metric{
		Name:        "snapshot_collection_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"status": string(snap.Status)},
		Description: "Latency of per-node snapshot collection.",
		Unit:        "seconds",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   node.Host,
		Event:  "snapshot_collected",
		Fields: fields,
	})
}

var _ Collector = (*pooledCollector)(nil)
var _ Collector = (*sequentialCollector)(nil)
