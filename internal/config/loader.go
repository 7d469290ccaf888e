package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FTE_VAULT_ROOT.
const EnvPrefix = "FTE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults; environment overrides apply either way.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers scalar keys so environment overrides reach them
// even when the file does not mention them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("vault.root", cfg.Vault.Root)
	v.SetDefault("vault.folders.inbox", cfg.Vault.Folders.Inbox)
	v.SetDefault("vault.folders.accepted", cfg.Vault.Folders.Accepted)
	v.SetDefault("vault.folders.needs_approval", cfg.Vault.Folders.NeedsApproval)
	v.SetDefault("vault.folders.plans", cfg.Vault.Folders.Plans)
	v.SetDefault("vault.folders.done", cfg.Vault.Folders.Done)
	v.SetDefault("vault.folders.rejected", cfg.Vault.Folders.Rejected)
	v.SetDefault("approval.poll_interval_seconds", cfg.Approval.PollIntervalSeconds)
	v.SetDefault("approval.default_timeout_seconds", cfg.Approval.DefaultTimeoutSeconds)
	v.SetDefault("approval.rules_file", cfg.Approval.RulesFile)
	v.SetDefault("approval.financial_threshold", cfg.Approval.FinancialThreshold)
	v.SetDefault("approval.sweep_schedule", cfg.Approval.SweepSchedule)
	v.SetDefault("approval.requested_by", cfg.Approval.RequestedBy)
	v.SetDefault("planner.confidence_threshold", cfg.Planner.ConfidenceThreshold)
	v.SetDefault("planner.max_attempts", cfg.Planner.MaxAttempts)
	v.SetDefault("inbox.enabled", cfg.Inbox.Enabled)
	v.SetDefault("inbox.stability_threshold_ms", cfg.Inbox.StabilityThresholdMs)
	v.SetDefault("webhook.enabled", cfg.Webhook.Enabled)
	v.SetDefault("webhook.listen", cfg.Webhook.Listen)
	v.SetDefault("webhook.secret", cfg.Webhook.Secret)
	v.SetDefault("webhook.rate_limit_per_minute", cfg.Webhook.RateLimitPerMinute)
	v.SetDefault("webhook.max_body_kb", cfg.Webhook.MaxBodyKB)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("ledger.enabled", cfg.Ledger.Enabled)
	v.SetDefault("ledger.path", cfg.Ledger.Path)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// resolvePaths fills unset paths below the data directory and anchors a
// relative vault root there.
func resolvePaths(cfg *Config) error {
	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".fte")
	}

	if cfg.Vault.Root != "" && !filepath.IsAbs(cfg.Vault.Root) {
		cfg.Vault.Root = filepath.Join(cfg.DataDir, cfg.Vault.Root)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "fte.log")
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(cfg.DataDir, "ledger.db")
	}
	if cfg.Approval.RulesFile == "" {
		cfg.Approval.RulesFile = filepath.Join(cfg.DataDir, "approval_rules.yaml")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("vault", cfg.Vault)
	v.Set("approval", cfg.Approval)
	v.Set("planner", cfg.Planner)
	v.Set("inbox", cfg.Inbox)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("ledger", cfg.Ledger)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".fte", "fte.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
