package planner

import (
	"fmt"
	"strings"
)

// TaskType selects the step template used when a task has no explicit steps.
type TaskType string

const (
	TaskTypeDataProcessing   TaskType = "DATA_PROCESSING"
	TaskTypeReportGeneration TaskType = "REPORT_GENERATION"
	TaskTypeIntegration      TaskType = "INTEGRATION"
	TaskTypeGeneric          TaskType = "GENERIC"
	// TaskTypeExplicit marks plans built from steps supplied with the task.
	TaskTypeExplicit TaskType = "EXPLICIT"
)

// Keyword lists are checked in order; the first match wins.
var classifiers = []struct {
	taskType TaskType
	keywords []string
}{
	{TaskTypeDataProcessing, []string{"data", "analyze", "process", "calculate"}},
	{TaskTypeReportGeneration, []string{"report", "generate", "document", "summary"}},
	{TaskTypeIntegration, []string{"integrate", "connect", "api", "sync"}},
}

// DefaultSuccessCriteria apply when a task does not state its own.
var DefaultSuccessCriteria = []string{
	"Task completed without errors",
	"All outputs generated",
	"Quality checks passed",
}

// ClassifyTaskType maps an objective to a template by keyword.
func ClassifyTaskType(objective string) TaskType {
	lower := strings.ToLower(objective)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.taskType
			}
		}
	}
	return TaskTypeGeneric
}

type stepTemplate struct {
	name        string
	description string
	action      string
	outputs     []string
}

var templates = map[TaskType][]stepTemplate{
	TaskTypeDataProcessing: {
		{"Fetch Data", "Retrieve data from sources", "fetch_data", []string{"raw_data"}},
		{"Validate Data", "Check data quality and clean", "validate_data", []string{"clean_data", "quality_report"}},
		{"Transform Data", "Apply transformations and calculations", "transform_data", []string{"processed_data"}},
		{"Analyze Data", "Compute metrics and aggregate results", "analyze_data", []string{"analysis_results"}},
		{"Write Output", "Create final output artifacts", "write_output", []string{"final_output"}},
	},
	TaskTypeReportGeneration: {
		{"Collect Information", "Collect all required information", "collect_data", []string{"source_data"}},
		{"Generate Report", "Populate and format the report document", "generate_report", []string{"report_draft"}},
		{"Quality Check", "Verify accuracy and finalize the report", "quality_check", []string{"final_report"}},
	},
	TaskTypeIntegration: {
		{"Connect", "Open a session with the remote system", "connect", []string{"connection"}},
		{"Sync", "Exchange records with the remote system", "sync", []string{"synced_records"}},
		{"Verify", "Confirm both sides agree", "verify", []string{"verification_report"}},
	},
	TaskTypeGeneric: {
		{"Prepare", "Gather inputs and validate prerequisites", "prepare", []string{"preparation_complete"}},
		{"Execute", "Perform main task actions", "execute", []string{"task_output"}},
		{"Verify", "Validate results and check success criteria", "verify", []string{"verification_report"}},
	},
}

// templateSteps builds the chained, all-critical steps of a template. For
// generic tasks the execute step runs the task's own action type when set.
func templateSteps(taskType TaskType, actionType string, maxAttempts int) []Step {
	tmpl := templates[taskType]
	steps := make([]Step, 0, len(tmpl))
	for i, st := range tmpl {
		action := st.action
		if taskType == TaskTypeGeneric && action == "execute" && actionType != "" {
			action = actionType
		}
		step := Step{
			ID:              stepID(i),
			Name:            st.name,
			Description:     st.description,
			Actions:         []string{action},
			ExpectedOutputs: append([]string(nil), st.outputs...),
			IsCritical:      true,
			Status:          StepStatusPending,
			MaxAttempts:     maxAttempts,
		}
		if i > 0 {
			step.Dependencies = []string{stepID(i - 1)}
		}
		steps = append(steps, step)
	}
	return steps
}

func stepID(i int) string {
	return fmt.Sprintf("step-%03d", i+1)
}
