package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard that reads answers from in and prompts on out.
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard. Empty answers keep the
// value from base, or the defaults when base is nil.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== FTE Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	// Vault
	fmt.Fprintf(w.out, "Vault root [%s]: ", cfg.Vault.Root)
	root, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Vault.Root = root
	}

	// Company domains
	for {
		fmt.Fprintf(w.out, "Company email domains, comma separated [%s]: ", strings.Join(cfg.Approval.CompanyDomains, ","))
		line, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}

		var domains []string
		var invalid error
		for _, d := range strings.Split(line, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" {
				continue
			}
			if err := validator.ValidateDomain(d); err != nil {
				invalid = err
				break
			}
			domains = append(domains, d)
		}
		if invalid != nil {
			fmt.Fprintf(w.out, "Error: %v\n", invalid)
			continue
		}
		cfg.Approval.CompanyDomains = domains
		break
	}

	// Financial threshold
	for {
		fmt.Fprintf(w.out, "Financial approval threshold [%g]: ", cfg.Approval.FinancialThreshold)
		line, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		amount, err := strconv.ParseFloat(line, 64)
		if err != nil || amount < 0 {
			fmt.Fprintln(w.out, "Error: threshold must be a non-negative number")
			continue
		}
		cfg.Approval.FinancialThreshold = amount
		break
	}

	// Log level
	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	// Metrics
	fmt.Fprintf(w.out, "Expose Prometheus metrics on %s? (y/N): ", cfg.Metrics.Listen)
	answer, err := w.readLine()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		cfg.Metrics.Enabled = true
	case "n", "no":
		cfg.Metrics.Enabled = false
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
