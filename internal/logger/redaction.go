package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor redacts credentials and personal data from log lines. Task
// content and email previews pass through the logs, so PII patterns are
// covered alongside secrets.
type Redactor struct {
	patterns []pattern
}

// pattern replaces matches with repl. Keyed patterns keep the key so JSON
// log lines stay parseable.
type pattern struct {
	re   *regexp.Regexp
	repl string
}

func plain(expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), repl: redacted}
}

func keyed(expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), repl: "${1}" + redacted}
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []pattern{
			// API keys
			plain(`sk-[a-zA-Z0-9_-]{20,}`),
			plain(`AKIA[0-9A-Z]{16}`),

			// Bearer tokens
			plain(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Credentials
			keyed(`(?i)(password["\s:=]+)[^\s",]+`),
			keyed(`(?i)(pwd["\s:=]+)[^\s",]+`),
			keyed(`(?i)(token["\s:=]+)[a-zA-Z0-9._-]{20,}`),
			keyed(`(?i)(secret["\s:=]+)[^\s",]+`),

			// Social security numbers
			plain(`\b\d{3}-\d{2}-\d{4}\b`),

			// Card numbers, grouped or not
			plain(`\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{1,4}\b`),
			plain(`\b\d{16}\b`),

			// Bank account numbers
			keyed(`(?i)(account\s+(?:number|no\.?|#)["\s:=]*)\d{6,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, pattern{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, p := range r.patterns {
		result = p.re.ReplaceAllString(result, p.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line may be shorter.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
