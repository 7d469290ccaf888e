package task

import (
	"strings"
)

// Task is the ingestion contract shared by watchers, the router and the planner.
type Task struct {
	ID              string         `json:"id,omitempty" yaml:"id,omitempty"`
	Title           string         `json:"title,omitempty" yaml:"title,omitempty"`
	Objective       string         `json:"objective,omitempty" yaml:"objective,omitempty"`
	ActionType      string         `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Priority        string         `json:"priority,omitempty" yaml:"priority,omitempty"`
	ImpactLevel     string         `json:"impact_level,omitempty" yaml:"impact_level,omitempty"`
	DataSensitivity string         `json:"data_sensitivity,omitempty" yaml:"data_sensitivity,omitempty"`
	Reversibility   string         `json:"reversibility,omitempty" yaml:"reversibility,omitempty"`
	Scope           string         `json:"scope,omitempty" yaml:"scope,omitempty"`
	RequestedBy     string         `json:"requested_by,omitempty" yaml:"requested_by,omitempty"`
	Source          string         `json:"source,omitempty" yaml:"source,omitempty"`
	Content         string         `json:"content,omitempty" yaml:"content,omitempty"`
	Recipients      []string       `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Amount          float64        `json:"amount,omitempty" yaml:"amount,omitempty"`
	Steps           []StepSpec     `json:"steps,omitempty" yaml:"steps,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Details         *ActionDetails `json:"action_details,omitempty" yaml:"action_details,omitempty"`
}

// StepSpec is an explicit step definition supplied with a task.
type StepSpec struct {
	ID              string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty"`
	Actions         []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Alternatives    []string `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	ExpectedOutputs []string `json:"expected_outputs,omitempty" yaml:"expected_outputs,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	IsCritical      *bool    `json:"is_critical,omitempty" yaml:"is_critical,omitempty"`
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// ActionDetails carries the human-facing description of what an approved
// action will do.
type ActionDetails struct {
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Server          string            `json:"mcp_server,omitempty" yaml:"mcp_server,omitempty"`
	Method          string            `json:"method,omitempty" yaml:"method,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Context         string            `json:"context,omitempty" yaml:"context,omitempty"`
	Reasoning       string            `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	ExpectedOutcome string            `json:"expected_outcome,omitempty" yaml:"expected_outcome,omitempty"`
	Risks           []Risk            `json:"risks,omitempty" yaml:"risks,omitempty"`
	Safeguards      []string          `json:"safeguards,omitempty" yaml:"safeguards,omitempty"`
	Preview         map[string]string `json:"preview_data,omitempty" yaml:"preview_data,omitempty"`
}

// Risk is one entry of a task's declared risk list.
type Risk struct {
	Title      string `json:"title" yaml:"title"`
	Likelihood string `json:"likelihood,omitempty" yaml:"likelihood,omitempty"`
	Impact     string `json:"impact,omitempty" yaml:"impact,omitempty"`
	Mitigation string `json:"mitigation,omitempty" yaml:"mitigation,omitempty"`
}

// Missing returns the names of required fields that are empty.
func (t *Task) Missing() []string {
	if t == nil {
		return []string{"objective", "action_type"}
	}
	var missing []string
	if strings.TrimSpace(t.Objective) == "" {
		missing = append(missing, "objective")
	}
	if strings.TrimSpace(t.ActionType) == "" {
		missing = append(missing, "action_type")
	}
	return missing
}

// DisplayTitle returns the title, falling back to the objective.
func (t *Task) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	if t.Objective != "" {
		return t.Objective
	}
	return "Untitled Action"
}

// Normalized returns a copy with enum-like fields lower-cased and trimmed.
// The receiver is left untouched so repeated routing sees identical input.
func (t *Task) Normalized() Task {
	out := *t
	out.ActionType = normalize(t.ActionType)
	out.Priority = normalize(t.Priority)
	out.ImpactLevel = normalize(t.ImpactLevel)
	out.DataSensitivity = normalize(t.DataSensitivity)
	out.Reversibility = normalize(t.Reversibility)
	out.Scope = normalize(t.Scope)
	return out
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
