package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a sweep schedule in cron or @every syntax
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := v.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateDomain validates a company mail domain
func (v *Validator) ValidateDomain(domain string) error {
	d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if d == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if !domainPattern.MatchString(d) {
		return fmt.Errorf("invalid domain: %s", domain)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateThreshold validates a confidence threshold
func (v *Validator) ValidateThreshold(threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("threshold must be in (0,1], got %g", threshold)
	}
	return nil
}

// ValidatePriority validates an approval priority name
func (v *Validator) ValidatePriority(priority string) error {
	if isKnownPriority(priority) {
		return nil
	}
	return fmt.Errorf("invalid priority: %s (must be one of: %s)", priority, strings.Join(knownPriorities, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			errors = append(errors, joined.Unwrap()...)
		} else {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Approval.SweepSchedule != "" {
		if err := v.ValidateSchedule(cfg.Approval.SweepSchedule); err != nil {
			errors = append(errors, fmt.Errorf("approval.sweep_schedule: %w", err))
		}
	}
	for _, domain := range cfg.Approval.CompanyDomains {
		if err := v.ValidateDomain(domain); err != nil {
			errors = append(errors, fmt.Errorf("approval.company_domains: %w", err))
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		if err := v.ValidateListenAddr(cfg.Metrics.Listen); err != nil {
			errors = append(errors, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	return errors
}
