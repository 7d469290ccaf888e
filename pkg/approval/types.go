package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/pkg/frontmatter"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ParseStatus normalizes a status written by a human. ok is false for values
// outside the lifecycle.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return s, true
	}
	return StatusPending, false
}

// Priority selects the expiry window of a request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DefaultTimeouts maps priority to the time a request stays open.
var DefaultTimeouts = map[Priority]time.Duration{
	PriorityLow:      7200 * time.Second,
	PriorityMedium:   3600 * time.Second,
	PriorityHigh:     1800 * time.Second,
	PriorityCritical: 900 * time.Second,
}

// ParsePriority normalizes a task priority. Empty means medium.
func ParsePriority(v string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(v)))
	if p == "" {
		return PriorityMedium
	}
	return p
}

// Outcome is the suffix an archived request is filed under.
type Outcome string

const (
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// allows reports whether o is a valid outcome for a request decided as s.
func (o Outcome) allows(s Status) bool {
	switch o {
	case OutcomeExecuted, OutcomeFailed:
		return s == StatusApproved
	case OutcomeRejected:
		return s == StatusRejected
	case OutcomeExpired:
		return s == StatusExpired
	}
	return false
}

// Risk is one identified risk of an action.
type Risk = task.Risk

// RiskAnalysis is the reviewer-facing assessment written into the request.
type RiskAnalysis struct {
	ImpactLevel     string   `yaml:"impact_level"`
	Reversibility   string   `yaml:"reversibility"`
	DataSensitivity string   `yaml:"data_sensitivity"`
	Scope           string   `yaml:"scope"`
	Risks           []Risk   `yaml:"risks,omitempty"`
	Safeguards      []string `yaml:"safeguards,omitempty"`
	PolicyStatus    string   `yaml:"policy_status"`
	Violations      []string `yaml:"violations,omitempty"`
	Triggers        []string `yaml:"triggers,omitempty"`
}

// Action describes what will run once the request is approved.
type Action struct {
	Description     string            `yaml:"description,omitempty"`
	Server          string            `yaml:"server,omitempty"`
	Method          string            `yaml:"method,omitempty"`
	Parameters      map[string]string `yaml:"parameters,omitempty"`
	Context         string            `yaml:"context,omitempty"`
	Reasoning       string            `yaml:"reasoning,omitempty"`
	ExpectedOutcome string            `yaml:"expected_outcome,omitempty"`
}

// Request is an approval request document.
type Request struct {
	ID          string
	Status      Status
	ActionType  string
	Priority    Priority
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RequestedBy string
	Title       string
	TaskID      string
	Action      Action
	Risk        RiskAnalysis
	Preview     map[string]string
	// Task is the submitted task, kept so the request can be acted on after
	// a restart.
	Task *task.Task

	DecidedBy string
	DecidedAt time.Time
	Comments  string

	// body is the markdown body as last read. Rewrites keep it so reviewer
	// notes in the body survive.
	body []byte
}

// Decision returns the decision fields of a request.
func (r *Request) Decision() *Decision {
	return &Decision{
		ApprovalID: r.ID,
		Status:     r.Status,
		DecidedBy:  r.DecidedBy,
		DecidedAt:  r.DecidedAt,
		Comments:   r.Comments,
	}
}

// Decision is a human decision, or the Manager's expiry, on a request.
type Decision struct {
	ApprovalID string
	Status     Status
	DecidedBy  string
	DecidedAt  time.Time
	Comments   string
}

var (
	// ErrTerminal is returned when a change is attempted on a decided request.
	ErrTerminal = errors.New("approval request already decided")
	// ErrUndecided is returned when archiving a request that is still pending.
	ErrUndecided = errors.New("approval request still pending")
	// ErrMissingFrontMatter and ErrMalformedFrontMatter describe unreadable documents.
	ErrMissingFrontMatter   = frontmatter.ErrMissing
	ErrMalformedFrontMatter = frontmatter.ErrMalformed
)

// ConflictError reports a terminal status that changed after the Manager
// first observed it. The first observation is kept.
type ConflictError struct {
	ID       string
	First    Status
	Observed Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval %s: status changed from %s to %s after decision", e.ID, e.First, e.Observed)
}
