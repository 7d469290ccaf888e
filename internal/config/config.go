package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// Priorities accepted in approval.timeout_by_priority.
var knownPriorities = []string{"low", "medium", "high", "critical"}

// Config represents the complete fte configuration
type Config struct {
	// Vault folder layout
	Vault VaultConfig `json:"vault" mapstructure:"vault"`

	// Approval gate
	Approval ApprovalConfig `json:"approval" mapstructure:"approval"`

	// Plan engine
	Planner PlannerConfig `json:"planner" mapstructure:"planner"`

	// Inbox watcher
	Inbox InboxConfig `json:"inbox" mapstructure:"inbox"`

	// HTTP task intake
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Prometheus endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Activity ledger
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// OpenTelemetry tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// VaultConfig locates the document vault and its folders.
type VaultConfig struct {
	Root    string        `json:"root" mapstructure:"root"`
	Folders FoldersConfig `json:"folders" mapstructure:"folders"`
}

// FoldersConfig names the vault folders, relative to the vault root.
type FoldersConfig struct {
	Inbox         string `json:"inbox" mapstructure:"inbox"`
	Accepted      string `json:"accepted" mapstructure:"accepted"`
	NeedsApproval string `json:"needs_approval" mapstructure:"needs_approval"`
	Plans         string `json:"plans" mapstructure:"plans"`
	Done          string `json:"done" mapstructure:"done"`
	Rejected      string `json:"rejected" mapstructure:"rejected"`
}

// ApprovalConfig holds approval gate settings
type ApprovalConfig struct {
	PollIntervalSeconds   int            `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	DefaultTimeoutSeconds int            `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	TimeoutByPriority     map[string]int `json:"timeout_by_priority" mapstructure:"timeout_by_priority"` // overrides the rules file
	RulesFile             string         `json:"rules_file" mapstructure:"rules_file"`
	CompanyDomains        []string       `json:"company_domains" mapstructure:"company_domains"`
	FinancialThreshold    float64        `json:"financial_threshold" mapstructure:"financial_threshold"`
	SweepSchedule         string         `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	RequestedBy           string         `json:"requested_by" mapstructure:"requested_by"`
}

// PlannerConfig holds plan engine settings
type PlannerConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxAttempts         int     `json:"max_attempts" mapstructure:"max_attempts"`
}

// InboxConfig holds inbox watcher settings
type InboxConfig struct {
	Enabled              bool `json:"enabled" mapstructure:"enabled"`
	StabilityThresholdMs int  `json:"stability_threshold_ms" mapstructure:"stability_threshold_ms"`
}

// WebhookConfig holds the HTTP task intake settings. An empty secret
// accepts unsigned requests.
type WebhookConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Listen             string `json:"listen" mapstructure:"listen"`
	Secret             string `json:"secret,omitempty" mapstructure:"secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxBodyKB          int    `json:"max_body_kb" mapstructure:"max_body_kb"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// LedgerConfig holds the activity ledger configuration
type LedgerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Vault: VaultConfig{
			Root: "AI_Employee_Vault",
			Folders: FoldersConfig{
				Inbox:         "Inbox",
				Accepted:      "Accepted",
				NeedsApproval: "Needs_Approval",
				Plans:         "Plans",
				Done:          "Done",
				Rejected:      "Rejected",
			},
		},
		Approval: ApprovalConfig{
			PollIntervalSeconds:   30,
			DefaultTimeoutSeconds: 3600,
			TimeoutByPriority: map[string]int{
				"low":      7200,
				"medium":   3600,
				"high":     1800,
				"critical": 900,
			},
			FinancialThreshold: 1000,
			SweepSchedule:      "@every 1m",
			RequestedBy:        "ai_employee",
		},
		Planner: PlannerConfig{
			ConfidenceThreshold: 0.7,
			MaxAttempts:         3,
		},
		Inbox: InboxConfig{
			Enabled:              true,
			StabilityThresholdMs: 250,
		},
		Webhook: WebhookConfig{
			Enabled:            false,
			Listen:             "127.0.0.1:9465",
			RateLimitPerMinute: 60,
			MaxBodyKB:          256,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fte",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Folder returns the absolute path of a vault folder name.
func (c *Config) Folder(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Vault.Root, name)
}

// PollInterval returns the approval poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Approval.PollIntervalSeconds) * time.Second
}

// DefaultTimeout returns the approval timeout for unlisted priorities.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Approval.DefaultTimeoutSeconds) * time.Second
}

// TimeoutOverrides returns the configured per-priority timeouts.
func (c *Config) TimeoutOverrides() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Approval.TimeoutByPriority))
	for p, secs := range c.Approval.TimeoutByPriority {
		out[p] = time.Duration(secs) * time.Second
	}
	return out
}

// StabilityThreshold returns how long an inbox file must be quiet.
func (c *Config) StabilityThreshold() time.Duration {
	return time.Duration(c.Inbox.StabilityThresholdMs) * time.Millisecond
}

// Validate checks if the configuration is valid. All problems are reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Vault.Root == "" {
		errs = append(errs, errors.New("vault.root is required"))
	}
	folders := map[string]string{
		"inbox":          c.Vault.Folders.Inbox,
		"accepted":       c.Vault.Folders.Accepted,
		"needs_approval": c.Vault.Folders.NeedsApproval,
		"plans":          c.Vault.Folders.Plans,
		"done":           c.Vault.Folders.Done,
		"rejected":       c.Vault.Folders.Rejected,
	}
	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[string]string)
	for _, name := range names {
		folder := folders[name]
		if folder == "" {
			errs = append(errs, fmt.Errorf("vault.folders.%s is required", name))
			continue
		}
		if other, dup := seen[folder]; dup {
			errs = append(errs, fmt.Errorf("vault.folders.%s and vault.folders.%s both use %q", other, name, folder))
		}
		seen[folder] = name
	}

	if c.Approval.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("approval.poll_interval_seconds must be positive, got %d", c.Approval.PollIntervalSeconds))
	}
	if c.Approval.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("approval.default_timeout_seconds must be positive, got %d", c.Approval.DefaultTimeoutSeconds))
	}
	priorities := make([]string, 0, len(c.Approval.TimeoutByPriority))
	for p := range c.Approval.TimeoutByPriority {
		priorities = append(priorities, p)
	}
	sort.Strings(priorities)
	for _, p := range priorities {
		if !isKnownPriority(p) {
			errs = append(errs, fmt.Errorf("approval.timeout_by_priority: unknown priority %q", p))
			continue
		}
		if secs := c.Approval.TimeoutByPriority[p]; secs <= 0 {
			errs = append(errs, fmt.Errorf("approval.timeout_by_priority.%s must be positive, got %d", p, secs))
		}
	}
	if c.Approval.FinancialThreshold < 0 {
		errs = append(errs, fmt.Errorf("approval.financial_threshold must be >= 0"))
	}
	if c.Approval.SweepSchedule == "" {
		errs = append(errs, errors.New("approval.sweep_schedule is required"))
	}

	if c.Planner.ConfidenceThreshold <= 0 || c.Planner.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("planner.confidence_threshold must be in (0,1], got %g", c.Planner.ConfidenceThreshold))
	}
	if c.Planner.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("planner.max_attempts must be positive, got %d", c.Planner.MaxAttempts))
	}

	if c.Inbox.Enabled && c.Inbox.StabilityThresholdMs <= 0 {
		errs = append(errs, fmt.Errorf("inbox.stability_threshold_ms must be positive, got %d", c.Inbox.StabilityThresholdMs))
	}
	if c.Webhook.Enabled {
		if c.Webhook.Listen == "" {
			errs = append(errs, errors.New("webhook.listen is required when the webhook is enabled"))
		}
		if c.Webhook.RateLimitPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("webhook.rate_limit_per_minute must be positive, got %d", c.Webhook.RateLimitPerMinute))
		}
		if c.Webhook.MaxBodyKB <= 0 {
			errs = append(errs, fmt.Errorf("webhook.max_body_kb must be positive, got %d", c.Webhook.MaxBodyKB))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

func isKnownPriority(p string) bool {
	for _, known := range knownPriorities {
		if p == known {
			return true
		}
	}
	return false
}
