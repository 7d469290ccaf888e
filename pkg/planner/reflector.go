package planner

import (
	"fmt"
	"strings"
)

// Reflection represents a review of execution results
type Reflection struct {
	Issues      []Issue      `yaml:"issues,omitempty"`
	Suggestions []Suggestion `yaml:"suggestions,omitempty"`
	ShouldRetry bool         `yaml:"should_retry"`
}

// Issue represents a problem identified during reflection
type Issue struct {
	StepID      string        `yaml:"step_id"`
	Severity    IssueSeverity `yaml:"severity"`
	Description string        `yaml:"description"`
	Error       string        `yaml:"error,omitempty"`
}

// IssueSeverity represents the severity of an issue
type IssueSeverity string

const (
	IssueSeverityLow      IssueSeverity = "low"
	IssueSeverityMedium   IssueSeverity = "medium"
	IssueSeverityHigh     IssueSeverity = "high"
	IssueSeverityCritical IssueSeverity = "critical"
)

// Suggestion represents a recommended correction
type Suggestion struct {
	StepID      string `yaml:"step_id"`
	Description string `yaml:"description"`
	Action      string `yaml:"action"` // retry, skip, modify, investigate
}

// Reflector reviews a stopped plan and suggests corrections. The result is
// attached to the plan document for the reviewer.
type Reflector struct{}

// NewReflector creates a new reflector instance
func NewReflector() *Reflector {
	return &Reflector{}
}

// Reflect reviews the execution results of a plan
func (r *Reflector) Reflect(plan *Plan) *Reflection {
	reflection := &Reflection{}

	halted := plan.Status.Halted()
	for i := range plan.Steps {
		step := &plan.Steps[i]
		switch step.Status {
		case StepStatusFailed, StepStatusBlocked:
			r.analyzeFailedStep(step, reflection)
		case StepStatusCompleted:
			r.analyzeCompletedStep(step, reflection)
		case StepStatusSkipped:
			r.analyzeSkippedStep(step, reflection)
		case StepStatusPending:
			if halted {
				r.analyzeWaitingStep(step, reflection)
			}
		}
	}

	reflection.ShouldRetry = r.shouldRetry(reflection)
	return reflection
}

func (r *Reflector) analyzeFailedStep(step *Step, reflection *Reflection) {
	issue := Issue{
		StepID:      step.ID,
		Severity:    r.determineSeverity(step),
		Description: fmt.Sprintf("Step '%s' %s", step.Name, strings.ToLower(string(step.Status))),
		Error:       step.LastError,
	}
	reflection.Issues = append(reflection.Issues, issue)

	if suggestion := r.generateSuggestion(step); suggestion != nil {
		reflection.Suggestions = append(reflection.Suggestions, *suggestion)
	}
}

func (r *Reflector) analyzeCompletedStep(step *Step, reflection *Reflection) {
	if step.UsedAlternative {
		reflection.Issues = append(reflection.Issues, Issue{
			StepID:      step.ID,
			Severity:    IssueSeverityLow,
			Description: "Step completed with its alternative actions",
			Error:       step.LastError,
		})
	}

	if step.Failures > 0 {
		reflection.Issues = append(reflection.Issues, Issue{
			StepID:      step.ID,
			Severity:    IssueSeverityMedium,
			Description: fmt.Sprintf("Step failed %d time(s) before completing", step.Failures),
			Error:       step.LastError,
		})
		reflection.Suggestions = append(reflection.Suggestions, Suggestion{
			StepID:      step.ID,
			Description: "Investigate why step is flaky and improve reliability",
			Action:      "investigate",
		})
	}
}

func (r *Reflector) analyzeSkippedStep(step *Step, reflection *Reflection) {
	reflection.Issues = append(reflection.Issues, Issue{
		StepID:      step.ID,
		Severity:    IssueSeverityMedium,
		Description: fmt.Sprintf("Step '%s' was skipped after %d attempts", step.Name, step.Attempts),
		Error:       step.LastError,
	})
	if suggestion := r.generateSuggestion(step); suggestion != nil {
		reflection.Suggestions = append(reflection.Suggestions, *suggestion)
	}
}

func (r *Reflector) analyzeWaitingStep(step *Step, reflection *Reflection) {
	reflection.Issues = append(reflection.Issues, Issue{
		StepID:      step.ID,
		Severity:    IssueSeverityLow,
		Description: fmt.Sprintf("Step '%s' has not run", step.Name),
	})
}

func (r *Reflector) determineSeverity(step *Step) IssueSeverity {
	if step.Status == StepStatusBlocked {
		return IssueSeverityHigh
	}
	if step.IsCritical && step.Attempts >= step.MaxAttempts {
		return IssueSeverityCritical
	}
	if step.IsCritical {
		return IssueSeverityHigh
	}
	return IssueSeverityMedium
}

func (r *Reflector) generateSuggestion(step *Step) *Suggestion {
	if step.Status == StepStatusBlocked {
		return &Suggestion{
			StepID:      step.ID,
			Description: "Fix the step dependencies so every dependency can complete",
			Action:      "modify",
		}
	}
	if step.LastError == "" {
		return nil
	}

	errorMsg := strings.ToLower(step.LastError)

	if strings.Contains(errorMsg, "timeout") || strings.Contains(errorMsg, "deadline exceeded") {
		return &Suggestion{
			StepID:      step.ID,
			Description: "Increase timeout or optimize step execution",
			Action:      "retry",
		}
	}

	if strings.Contains(errorMsg, "connection") || strings.Contains(errorMsg, "network") {
		return &Suggestion{
			StepID:      step.ID,
			Description: "Network issue detected - retry may succeed",
			Action:      "retry",
		}
	}

	if strings.Contains(errorMsg, "permission") || strings.Contains(errorMsg, "access denied") {
		return &Suggestion{
			StepID:      step.ID,
			Description: "Permission issue - check access rights",
			Action:      "modify",
		}
	}

	if strings.Contains(errorMsg, "not found") || strings.Contains(errorMsg, "does not exist") {
		return &Suggestion{
			StepID:      step.ID,
			Description: "Resource not found - verify inputs and dependencies",
			Action:      "modify",
		}
	}

	return &Suggestion{
		StepID:      step.ID,
		Description: "Review error and adjust step configuration",
		Action:      "modify",
	}
}

// shouldRetry recommends a retry when no issue is critical and at least one
// suggestion is a retry.
func (r *Reflector) shouldRetry(reflection *Reflection) bool {
	if len(reflection.Issues) == 0 {
		return false
	}

	for _, issue := range reflection.Issues {
		if issue.Severity == IssueSeverityCritical {
			return false
		}
	}

	for _, suggestion := range reflection.Suggestions {
		if suggestion.Action == "retry" {
			return true
		}
	}

	return false
}

// IssuesBySeverity returns issues filtered by severity
func (r *Reflection) IssuesBySeverity(severity IssueSeverity) []Issue {
	var issues []Issue
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			issues = append(issues, issue)
		}
	}
	return issues
}

// SuggestionsByAction returns suggestions filtered by action
func (r *Reflection) SuggestionsByAction(action string) []Suggestion {
	var suggestions []Suggestion
	for _, suggestion := range r.Suggestions {
		if suggestion.Action == action {
			suggestions = append(suggestions, suggestion)
		}
	}
	return suggestions
}
