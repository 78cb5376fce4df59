package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replheald/replheald/pkg/windows"
)

const DefaultConfigPath = "/etc/replheald/config.yaml"

// Config represents the runtime configuration for the replication healer.
type Config struct {
	Scope          ScopeConfig          `yaml:"scope"`
	Tool           ToolConfig           `yaml:"tool"`
	Collection     CollectionConfig     `yaml:"collection"`
	Classification ClassificationConfig `yaml:"classification"`
	Policy         PolicyConfig         `yaml:"policy"`
	Verification   VerificationConfig   `yaml:"verification"`
	Cache          CacheConfig          `yaml:"cache"`
	Audit          AuditConfig          `yaml:"audit"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
	RunIntervalSec int                  `yaml:"run_interval_sec"`
	BackoffMinSec  int                  `yaml:"backoff_min_sec"`
	BackoffMaxSec  int                  `yaml:"backoff_max_sec"`
	KillSwitchFile string               `yaml:"kill_switch_file"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	DryRun         bool                 `yaml:"dry_run"`
	Unattended     bool                 `yaml:"unattended"`
	ForceFullScan  bool                 `yaml:"force_full_scan"`
}

// ScopeConfig selects which nodes a run examines.
type ScopeConfig struct {
	Kind       string   `yaml:"kind"`
	Nodes      []string `yaml:"nodes"`
	NodeString string   `yaml:"node_string"`
	Site       string   `yaml:"site"`
}

// ToolConfig describes the external replication tool commands. Each command
// may carry a {node} placeholder that is substituted per invocation.
type ToolConfig struct {
	PartnersCmd   []string `yaml:"partners_cmd"`
	FailuresCmd   []string `yaml:"failures_cmd"`
	SyncCmd       []string `yaml:"sync_cmd"`
	VerifyCmd     []string `yaml:"verify_cmd"`
	DiagnosticCmd []string `yaml:"diagnostic_cmd"`
	// ListNodesCmd emits the fleet membership as a JSON array of
	// {host, site} records. Required for site and fleet scopes.
	ListNodesCmd []string `yaml:"list_nodes_cmd"`

	UnreachableExitCodes []int `yaml:"unreachable_exit_codes"`
	DeniedExitCodes      []int `yaml:"denied_exit_codes"`
	NotFoundExitCodes    []int `yaml:"not_found_exit_codes"`
	UnavailableExitCodes []int `yaml:"unavailable_exit_codes"`
}

// CollectionConfig bounds the snapshot fan-out.
type CollectionConfig struct {
	Concurrency        int  `yaml:"concurrency"`
	NodeTimeoutSec     int  `yaml:"node_timeout_sec"`
	MaxAttempts        int  `yaml:"max_attempts"`
	RetryBackoffMinSec int  `yaml:"retry_backoff_min_sec"`
	RetryBackoffMaxSec int  `yaml:"retry_backoff_max_sec"`
	Sequential         bool `yaml:"sequential"`
}

// ClassificationConfig tunes the issue taxonomy thresholds.
type ClassificationConfig struct {
	StalenessHours int `yaml:"staleness_hours"`
}

// PolicyConfig selects the healing tier and optional per-site overrides.
type PolicyConfig struct {
	Tier            string `yaml:"tier"`
	CooldownMinutes *int   `yaml:"cooldown_minutes"`
	MaxActions      *int   `yaml:"max_actions"`
}

// VerificationConfig tunes the post-repair weighted scorer.
type VerificationConfig struct {
	ConvergenceWaitSec int      `yaml:"convergence_wait_sec"`
	HealthyRatio       *float64 `yaml:"healthy_ratio"`
	ImprovedRatio      *float64 `yaml:"improved_ratio"`
	StaleFailureDays   int      `yaml:"stale_failure_days"`
	SyncWeight         float64  `yaml:"sync_weight"`
	FailureWeight      float64  `yaml:"failure_weight"`
	DiagnosticWeight   float64  `yaml:"diagnostic_weight"`
	SuccessMarkers     []string `yaml:"success_markers"`
	FailureMarkers     []string `yaml:"failure_markers"`
}

// CacheConfig locates the delta cache record.
type CacheConfig struct {
	Path        string `yaml:"path"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// AuditConfig locates the append-only trail and the rollback-context store.
type AuditConfig struct {
	TrailPath      string `yaml:"trail_path"`
	RollbackDBPath string `yaml:"rollback_db_path"`
}

// MaintenanceConfig restricts repair execution to weekly change windows.
// Collection and classification always run; only mutation is gated.
type MaintenanceConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	switch c.Scope.Kind {
	case "list":
		if len(c.Scope.Nodes) == 0 && strings.TrimSpace(c.Scope.NodeString) == "" {
			problems = append(problems, "scope.nodes or scope.node_string is required for list scope")
		}
	case "site":
		if strings.TrimSpace(c.Scope.Site) == "" {
			problems = append(problems, "scope.site is required for site scope")
		}
		if len(c.Tool.ListNodesCmd) == 0 {
			problems = append(problems, "tool.list_nodes_cmd is required for site scope")
		}
	case "fleet":
		if len(c.Tool.ListNodesCmd) == 0 {
			problems = append(problems, "tool.list_nodes_cmd is required for fleet scope")
		}
	case "":
		problems = append(problems, "scope.kind is required")
	default:
		problems = append(problems, fmt.Sprintf("scope.kind %q is not supported", c.Scope.Kind))
	}

	for name, cmd := range map[string][]string{
		"tool.partners_cmd": c.Tool.PartnersCmd,
		"tool.failures_cmd": c.Tool.FailuresCmd,
		"tool.sync_cmd":     c.Tool.SyncCmd,
		"tool.verify_cmd":   c.Tool.VerifyCmd,
	} {
		if len(cmd) == 0 {
			problems = append(problems, fmt.Sprintf("%s must specify the command to execute", name))
		}
	}

	if c.Collection.Concurrency < 1 || c.Collection.Concurrency > 32 {
		problems = append(problems, "collection.concurrency must be within [1,32]")
	}
	if c.Collection.NodeTimeoutSec < 60 || c.Collection.NodeTimeoutSec > 3600 {
		problems = append(problems, "collection.node_timeout_sec must be within [60,3600]")
	}
	if c.Collection.MaxAttempts <= 0 {
		problems = append(problems, "collection.max_attempts must be greater than zero")
	}
	if c.Collection.RetryBackoffMinSec <= 0 {
		problems = append(problems, "collection.retry_backoff_min_sec must be greater than zero")
	}
	if c.Collection.RetryBackoffMaxSec < c.Collection.RetryBackoffMinSec {
		problems = append(problems, "collection.retry_backoff_max_sec must be greater than or equal to collection.retry_backoff_min_sec")
	}

	if c.Classification.StalenessHours <= 0 {
		problems = append(problems, "classification.staleness_hours must be greater than zero")
	}

	switch c.Policy.Tier {
	case "conservative", "moderate", "aggressive":
	default:
		problems = append(problems, fmt.Sprintf("policy.tier %q is not supported", c.Policy.Tier))
	}
	if c.Policy.CooldownMinutes != nil && *c.Policy.CooldownMinutes < 0 {
		problems = append(problems, "policy.cooldown_minutes must be non-negative")
	}
	if c.Policy.MaxActions != nil && *c.Policy.MaxActions <= 0 {
		problems = append(problems, "policy.max_actions must be greater than zero")
	}

	if c.Verification.ConvergenceWaitSec < 0 {
		problems = append(problems, "verification.convergence_wait_sec must be non-negative")
	}
	healthy, improved := 0.6, 0.3
	if c.Verification.HealthyRatio != nil {
		healthy = *c.Verification.HealthyRatio
	}
	if c.Verification.ImprovedRatio != nil {
		improved = *c.Verification.ImprovedRatio
	}
	if improved <= 0 || healthy <= improved || healthy > 1 {
		problems = append(problems, "verification ratios must satisfy 0 < improved_ratio < healthy_ratio <= 1")
	}
	if c.Verification.SyncWeight <= 0 {
		problems = append(problems, "verification.sync_weight must be greater than zero")
	}
	if c.Verification.FailureWeight <= 0 {
		problems = append(problems, "verification.failure_weight must be greater than zero")
	}
	if c.Verification.DiagnosticWeight < 0 {
		problems = append(problems, "verification.diagnostic_weight must be non-negative")
	}
	if c.Verification.DiagnosticWeight > 0 && len(c.Tool.DiagnosticCmd) == 0 {
		problems = append(problems, "tool.diagnostic_cmd is required when verification.diagnostic_weight is set")
	}
	if len(c.Verification.SuccessMarkers) == 0 {
		problems = append(problems, "verification.success_markers must contain at least one marker")
	}
	if c.Verification.StaleFailureDays <= 0 {
		problems = append(problems, "verification.stale_failure_days must be greater than zero")
	}

	if strings.TrimSpace(c.Cache.Path) == "" {
		problems = append(problems, "cache.path is required")
	}
	if c.Cache.MaxAgeHours <= 0 {
		problems = append(problems, "cache.max_age_hours must be greater than zero")
	}
	if strings.TrimSpace(c.Audit.TrailPath) == "" {
		problems = append(problems, "audit.trail_path is required")
	}
	if strings.TrimSpace(c.Audit.RollbackDBPath) == "" {
		problems = append(problems, "audit.rollback_db_path is required")
	}

	if _, err := windows.Parse(c.Maintenance.Allow, c.Maintenance.Deny); err != nil {
		problems = append(problems, err.Error())
	}

	if c.RunIntervalSec <= 0 {
		problems = append(problems, "run_interval_sec must be greater than zero")
	}
	if c.BackoffMinSec <= 0 {
		problems = append(problems, "backoff_min_sec must be greater than zero")
	}
	if c.BackoffMaxSec < c.BackoffMinSec {
		problems = append(problems, "backoff_max_sec must be greater than or equal to backoff_min_sec")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Collection.Concurrency == 0 {
		c.Collection.Concurrency = 8
	}
	if c.Collection.NodeTimeoutSec == 0 {
		c.Collection.NodeTimeoutSec = 300
	}
	if c.Collection.MaxAttempts == 0 {
		c.Collection.MaxAttempts = 3
	}
	if c.Collection.RetryBackoffMinSec == 0 {
		c.Collection.RetryBackoffMinSec = 1
	}
	if c.Collection.RetryBackoffMaxSec == 0 {
		c.Collection.RetryBackoffMaxSec = 30
	}
	if c.Classification.StalenessHours == 0 {
		c.Classification.StalenessHours = 24
	}
	if strings.TrimSpace(c.Policy.Tier) == "" {
		c.Policy.Tier = "conservative"
	}
	if c.Verification.ConvergenceWaitSec == 0 {
		c.Verification.ConvergenceWaitSec = 120
	}
	if c.Verification.HealthyRatio == nil {
		v := 0.6
		c.Verification.HealthyRatio = &v
	}
	if c.Verification.ImprovedRatio == nil {
		v := 0.3
		c.Verification.ImprovedRatio = &v
	}
	if c.Verification.StaleFailureDays == 0 {
		c.Verification.StaleFailureDays = 7
	}
	if c.Verification.SyncWeight == 0 {
		c.Verification.SyncWeight = 0.5
	}
	if c.Verification.FailureWeight == 0 {
		c.Verification.FailureWeight = 0.3
	}
	if len(c.Verification.SuccessMarkers) == 0 {
		c.Verification.SuccessMarkers = []string{"successful"}
	}
	if len(c.Verification.FailureMarkers) == 0 {
		c.Verification.FailureMarkers = []string{"access is denied", "target principal name is incorrect", "rpc server is unavailable"}
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = "/var/lib/replheald/delta.json"
	}
	if c.Cache.MaxAgeHours == 0 {
		c.Cache.MaxAgeHours = 24
	}
	if strings.TrimSpace(c.Audit.TrailPath) == "" {
		c.Audit.TrailPath = "/var/lib/replheald/audit.log"
	}
	if strings.TrimSpace(c.Audit.RollbackDBPath) == "" {
		c.Audit.RollbackDBPath = "/var/lib/replheald/rollback.db"
	}
	if c.RunIntervalSec == 0 {
		c.RunIntervalSec = 3600
	}
	if c.BackoffMinSec == 0 {
		c.BackoffMinSec = 5
	}
	if c.BackoffMaxSec == 0 {
		c.BackoffMaxSec = 60
	}
	if c.KillSwitchFile == "" {
		c.KillSwitchFile = "/etc/replheald/disable"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// NodeTimeout returns the per-node collection budget as a duration.
func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Collection.NodeTimeoutSec) * time.Second
}

// RetryBackoffBounds returns the per-query retry backoff window.
func (c *Config) RetryBackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Collection.RetryBackoffMinSec) * time.Second,
		time.Duration(c.Collection.RetryBackoffMaxSec) * time.Second
}

// StalenessThreshold returns the partner-link age beyond which a link is stale.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Classification.StalenessHours) * time.Hour
}

// ConvergenceWait returns the delay between remediation and verification.
func (c *Config) ConvergenceWait() time.Duration {
	return time.Duration(c.Verification.ConvergenceWaitSec) * time.Second
}

// StaleFailureAge returns the age past which failure records become notes.
func (c *Config) StaleFailureAge() time.Duration {
	return time.Duration(c.Verification.StaleFailureDays) * 24 * time.Hour
}

// CacheMaxAge returns the delta cache expiry threshold.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Cache.MaxAgeHours) * time.Hour
}

// CooldownOverride returns the configured cooldown override, if any.
func (c *Config) CooldownOverride() *time.Duration {
	if c.Policy.CooldownMinutes == nil {
		return nil
	}
	d := time.Duration(*c.Policy.CooldownMinutes) * time.Minute
	return &d
}

// RunInterval returns the spacing between daemon passes.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalSec) * time.Second
}

// BackoffBounds returns the daemon error-backoff window as durations.
func (c *Config) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.BackoffMinSec) * time.Second, time.Duration(c.BackoffMaxSec) * time.Second
}
