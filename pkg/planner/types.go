package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
)

// Plan is the persisted record of a decomposed objective and its steps.
type Plan struct {
	ID              string     `yaml:"id"`
	Objective       string     `yaml:"objective"`
	TaskID          string     `yaml:"task_id,omitempty"`
	TaskType        TaskType   `yaml:"task_type"`
	Confidence      float64    `yaml:"confidence"`
	SuccessCriteria []string   `yaml:"success_criteria"`
	Steps           []Step     `yaml:"steps"`
	Status          PlanStatus `yaml:"status"`
	CreatedAt       time.Time  `yaml:"created_at"`
	UpdatedAt       time.Time  `yaml:"updated_at"`
	CompletedAt     *time.Time `yaml:"completed_at,omitempty"`
	// Reason explains why the plan stopped short of COMPLETED.
	Reason Reason `yaml:"reason,omitempty"`
	Notes  []Note `yaml:"notes,omitempty"`
	// HumanApproved is set when a reviewer resumed the plan after an
	// intervention; the confidence trigger is not evaluated again.
	HumanApproved bool `yaml:"human_approved,omitempty"`
	// AcknowledgedFailures is the number of failed steps a reviewer has
	// already seen. The repeated-failure trigger only fires above it.
	AcknowledgedFailures int         `yaml:"acknowledged_failures,omitempty"`
	Summary              *Summary    `yaml:"summary,omitempty"`
	Reflection           *Reflection `yaml:"reflection,omitempty"`
}

// Step is one unit of work within a Plan.
type Step struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description,omitempty"`
	Actions         []string `yaml:"actions"`
	Alternatives    []string `yaml:"alternatives,omitempty"`
	UsedAlternative bool     `yaml:"used_alternative,omitempty"`
	ExpectedOutputs []string `yaml:"expected_outputs,omitempty"`
	Dependencies    []string `yaml:"dependencies,omitempty"`
	IsCritical      bool     `yaml:"is_critical"`

	Status      StepStatus `yaml:"status"`
	Attempts    int        `yaml:"attempts"`
	MaxAttempts int        `yaml:"max_attempts"`
	// Failures counts failed attempts across alternatives.
	Failures      int                       `yaml:"failures,omitempty"`
	LastError     string                    `yaml:"last_error,omitempty"`
	ActualOutputs map[string]actions.Output `yaml:"actual_outputs,omitempty"`
	Notes         []Note                    `yaml:"notes,omitempty"`
	StartedAt     *time.Time                `yaml:"started_at,omitempty"`
	CompletedAt   *time.Time                `yaml:"completed_at,omitempty"`
}

// Note is a timestamped audit line.
type Note struct {
	At   time.Time `yaml:"at"`
	Text string    `yaml:"text"`
}

// Summary is computed when a plan completes.
type Summary struct {
	Status            PlanStatus    `yaml:"status"`
	CompletedSteps    int           `yaml:"completed_steps"`
	SkippedSteps      int           `yaml:"skipped_steps"`
	TotalSteps        int           `yaml:"total_steps"`
	CriteriaSatisfied int           `yaml:"criteria_satisfied"`
	CriteriaTotal     int           `yaml:"criteria_total"`
	Elapsed           time.Duration `yaml:"elapsed"`
	// SuccessRate is completed / (completed + skipped).
	SuccessRate float64 `yaml:"success_rate"`
}

// StepStatus represents the execution status of a step
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
	StepStatusBlocked    StepStatus = "BLOCKED"
)

// IsTerminal reports whether the status can never change again.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// PlanStatus represents the lifecycle of a plan.
type PlanStatus string

const (
	PlanStatusNotStarted       PlanStatus = "NOT_STARTED"
	PlanStatusInProgress       PlanStatus = "IN_PROGRESS"
	PlanStatusCompleted        PlanStatus = "COMPLETED"
	PlanStatusFailed           PlanStatus = "FAILED"
	PlanStatusBlocked          PlanStatus = "BLOCKED"
	PlanStatusAwaitingApproval PlanStatus = "AWAITING_APPROVAL"
	PlanStatusObsolete         PlanStatus = "OBSOLETE"
)

// IsFinal reports whether the plan is done and may be archived.
func (s PlanStatus) IsFinal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusObsolete
}

// Halted reports whether execution stopped and needs a human.
func (s PlanStatus) Halted() bool {
	return s == PlanStatusBlocked || s == PlanStatusAwaitingApproval
}

// RecoveryStrategy is applied when a step exhausts its attempts.
type RecoveryStrategy string

const (
	RecoveryRetry           RecoveryStrategy = "RETRY"
	RecoveryAlternative     RecoveryStrategy = "ALTERNATIVE"
	RecoverySkipAndContinue RecoveryStrategy = "SKIP_AND_CONTINUE"
	RecoveryAbort           RecoveryStrategy = "ABORT"
)

// Reason records why a plan halted or failed.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonCriticalExhaustion Reason = "critical_step_exhaustion"
	ReasonDependencyDeadlock Reason = "dependency_deadlock"
	ReasonLowConfidence      Reason = "low_confidence"
	ReasonRepeatedFailures   Reason = "repeated_failures"
	ReasonAnomaly            Reason = "anomalous_output"
	ReasonUnboundActions     Reason = "unbound_actions"
	ReasonRejected           Reason = "rejected_by_reviewer"
)

var (
	// ErrDuplicateStep is reported by Validate for repeated step ids.
	ErrDuplicateStep = errors.New("duplicate step id")
	// ErrUnknownDependency is reported by Validate for dependencies on missing steps.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrCycle is reported by Validate for circular dependencies.
	ErrCycle = errors.New("circular dependency")
	// ErrAnomaly marks an output check failure that needs a human rather
	// than a retry.
	ErrAnomaly = errors.New("anomalous output")
	// ErrNotRunnable is returned when executing a plan that is finished or
	// waiting for a reviewer.
	ErrNotRunnable = errors.New("plan is not runnable")
)

// TransientStepError is a step failure that is retried automatically.
type TransientStepError struct {
	StepID  string
	Attempt int
	Err     error
}

func (e *TransientStepError) Error() string {
	return fmt.Sprintf("step %s attempt %d: %v", e.StepID, e.Attempt, e.Err)
}

func (e *TransientStepError) Unwrap() error { return e.Err }

// Progress returns the completed fraction. A plan without steps is complete.
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 1
	}
	return float64(p.count(StepStatusCompleted)) / float64(len(p.Steps))
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Complete reports whether every step is COMPLETED or SKIPPED.
func (p *Plan) Complete() bool {
	for _, s := range p.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// FailedSteps counts steps that have failed at least once.
func (p *Plan) FailedSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Failures > 0 {
			n++
		}
	}
	return n
}

func (p *Plan) count(status StepStatus) int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (p *Plan) note(at time.Time, format string, args ...interface{}) {
	p.Notes = append(p.Notes, Note{At: at, Text: fmt.Sprintf(format, args...)})
}

func (s *Step) note(at time.Time, format string, args ...interface{}) {
	s.Notes = append(s.Notes, Note{At: at, Text: fmt.Sprintf(format, args...)})
}

// actionIDs returns every action the step may run, alternatives included.
func (s *Step) actionIDs() []string {
	ids := make([]string, 0, len(s.Actions)+len(s.Alternatives))
	ids = append(ids, s.Actions...)
	return append(ids, s.Alternatives...)
}
