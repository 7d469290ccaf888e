package approval

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Rules is the approval rule set, normally loaded from approval_rules.yaml.
type Rules struct {
	SensitiveActions      []string       `yaml:"sensitive_actions"`
	AlwaysRequireApproval []string       `yaml:"always_require_approval"`
	AutoApprove           []string       `yaml:"auto_approve"`
	TimeoutByPriority     map[string]int `yaml:"timeout_by_priority"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		SensitiveActions: []string{
			"send_email",
			"post_linkedin",
			"post_twitter",
			"external_api_call",
			"delete_file",
			"database_write",
			"financial_transaction",
		},
		AlwaysRequireApproval: []string{
			"financial_transaction",
			"database_write",
		},
		AutoApprove: []string{
			"generate_report",
			"process_data",
			"internal_note",
			"read_email",
			"file_organize",
		},
		TimeoutByPriority: map[string]int{
			"low":      7200,
			"medium":   3600,
			"high":     1800,
			"critical": 900,
		},
	}
}

// LoadRules reads a YAML rule file. A missing file yields DefaultRules.
// Priorities absent from the file keep their default timeout.
func LoadRules(fs afero.Fs, path string) (Rules, error) {
	defaults := DefaultRules()
	if path == "" {
		return defaults, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return Rules{}, fmt.Errorf("failed to read approval rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse approval rules %s: %w", path, err)
	}
	if rules.SensitiveActions == nil {
		rules.SensitiveActions = defaults.SensitiveActions
	}
	if rules.AlwaysRequireApproval == nil {
		rules.AlwaysRequireApproval = defaults.AlwaysRequireApproval
	}
	if rules.AutoApprove == nil {
		rules.AutoApprove = defaults.AutoApprove
	}
	if rules.TimeoutByPriority == nil {
		rules.TimeoutByPriority = map[string]int{}
	}
	for p, secs := range defaults.TimeoutByPriority {
		if _, ok := rules.TimeoutByPriority[p]; !ok {
			rules.TimeoutByPriority[p] = secs
		}
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("approval rules %s: %w", path, err)
	}
	return rules, nil
}

// Validate rejects non-positive timeouts and unknown priorities.
func (r Rules) Validate() error {
	var errs []error
	for p, secs := range r.TimeoutByPriority {
		if _, ok := DefaultTimeouts[Priority(p)]; !ok {
			errs = append(errs, fmt.Errorf("unknown priority %q", p))
			continue
		}
		if secs <= 0 {
			errs = append(errs, fmt.Errorf("timeout for %s must be positive, got %d", p, secs))
		}
	}
	return errors.Join(errs...)
}

// Timeouts converts TimeoutByPriority to durations, falling back to
// DefaultTimeouts.
func (r Rules) Timeouts() map[Priority]time.Duration {
	out := make(map[Priority]time.Duration, len(DefaultTimeouts))
	for p, d := range DefaultTimeouts {
		out[p] = d
	}
	for p, secs := range r.TimeoutByPriority {
		if secs > 0 {
			out[Priority(p)] = time.Duration(secs) * time.Second
		}
	}
	return out
}
