package planner

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mahnoorkhalid8/digitalfte/pkg/frontmatter"
)

const displayTime = "2006-01-02 15:04:05"

// EncodePlan renders the whole plan: the full state as the YAML header and a
// readable markdown body.
func EncodePlan(plan *Plan) ([]byte, error) {
	return frontmatter.Encode(plan, RenderMarkdown(plan))
}

// DecodePlan reads a plan document written by EncodePlan.
func DecodePlan(data []byte) (*Plan, error) {
	var plan Plan
	if _, err := frontmatter.Decode(data, &plan); err != nil {
		return nil, err
	}
	if plan.ID == "" {
		return nil, fmt.Errorf("%w: missing plan id", frontmatter.ErrMalformed)
	}
	return &plan, nil
}

// RenderMarkdown returns the human-readable body of a plan document.
func RenderMarkdown(plan *Plan) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Execution Plan: %s\n\n", plan.Objective)
	fmt.Fprintf(&b, "**Plan ID:** %s\n", plan.ID)
	fmt.Fprintf(&b, "**Created:** %s\n", plan.CreatedAt.Format(displayTime))
	fmt.Fprintf(&b, "**Last Updated:** %s\n", plan.UpdatedAt.Format(displayTime))
	fmt.Fprintf(&b, "**Status:** %s\n", plan.Status)
	if plan.Reason != ReasonNone {
		fmt.Fprintf(&b, "**Reason:** %s\n", plan.Reason)
	}
	fmt.Fprintf(&b, "**Confidence:** %.0f%%\n", plan.Confidence*100)

	b.WriteString("\n---\n\n## Objective\n\n")
	b.WriteString(plan.Objective + "\n\n")
	b.WriteString("### Success Criteria\n\n")
	satisfied := 0
	if plan.Summary != nil {
		satisfied = plan.Summary.CriteriaSatisfied
	}
	for i, criterion := range plan.SuccessCriteria {
		mark := " "
		if i < satisfied {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, criterion)
	}

	b.WriteString("\n---\n\n## Execution Steps\n\n")
	for i := range plan.Steps {
		renderStep(&b, &plan.Steps[i])
	}

	completed := plan.count(StepStatusCompleted)
	b.WriteString("## Current State\n\n")
	fmt.Fprintf(&b, "**Progress:** %d/%d steps completed\n", completed, len(plan.Steps))
	fmt.Fprintf(&b, "**Completion:** %.0f%%\n", plan.Progress()*100)

	if len(plan.Notes) > 0 {
		b.WriteString("\n## Plan Notes\n\n")
		for _, n := range plan.Notes {
			fmt.Fprintf(&b, "- %s: %s\n", n.At.Format(displayTime), n.Text)
		}
	}

	if s := plan.Summary; s != nil {
		b.WriteString("\n## Completion Summary\n\n")
		fmt.Fprintf(&b, "**Status:** %s\n", s.Status)
		fmt.Fprintf(&b, "**Completed Steps:** %d/%d\n", s.CompletedSteps, s.TotalSteps)
		fmt.Fprintf(&b, "**Skipped Steps:** %d\n", s.SkippedSteps)
		fmt.Fprintf(&b, "**Success Criteria:** %d/%d satisfied\n", s.CriteriaSatisfied, s.CriteriaTotal)
		fmt.Fprintf(&b, "**Total Time:** %.1fs\n", s.Elapsed.Seconds())
		fmt.Fprintf(&b, "**Success Rate:** %.1f%%\n", s.SuccessRate*100)
	}

	if r := plan.Reflection; r != nil && len(r.Issues) > 0 {
		b.WriteString("\n## Reflection\n\n")
		for _, issue := range r.Issues {
			fmt.Fprintf(&b, "- [%s] %s: %s", issue.Severity, issue.StepID, issue.Description)
			if issue.Error != "" {
				fmt.Fprintf(&b, " (%s)", issue.Error)
			}
			b.WriteString("\n")
		}
		if len(r.Suggestions) > 0 {
			b.WriteString("\n### Suggestions\n\n")
			for _, s := range r.Suggestions {
				fmt.Fprintf(&b, "- %s (%s): %s\n", s.StepID, s.Action, s.Description)
			}
		}
	}

	if plan.Status == PlanStatusAwaitingApproval || plan.Status == PlanStatusBlocked {
		b.WriteString("\n## Human Review Required\n\n")
		b.WriteString("Resolve this plan with `fte plan resolve " + plan.ID + " approve|reject`.\n")
	}

	return b.Bytes()
}

func renderStep(b *bytes.Buffer, step *Step) {
	fmt.Fprintf(b, "### Step: %s\n", step.Name)
	fmt.Fprintf(b, "**ID:** %s\n", step.ID)
	fmt.Fprintf(b, "**Status:** %s\n", step.Status)
	fmt.Fprintf(b, "**Attempts:** %d/%d\n", step.Attempts, step.MaxAttempts)
	if !step.IsCritical {
		b.WriteString("**Critical:** no\n")
	}
	if len(step.Dependencies) > 0 {
		fmt.Fprintf(b, "**Depends on:** %s\n", strings.Join(step.Dependencies, ", "))
	}
	if step.Description != "" {
		fmt.Fprintf(b, "\n**Description:** %s\n", step.Description)
	}

	b.WriteString("\n**Actions:**\n")
	for _, action := range step.Actions {
		fmt.Fprintf(b, "- %s\n", action)
	}
	if len(step.Alternatives) > 0 && !step.UsedAlternative {
		fmt.Fprintf(b, "\n**Alternative:** %s\n", strings.Join(step.Alternatives, ", "))
	}
	if len(step.ExpectedOutputs) > 0 {
		fmt.Fprintf(b, "\n**Expected Outputs:** %s\n", strings.Join(step.ExpectedOutputs, ", "))
	}

	if len(step.Notes) > 0 {
		b.WriteString("\n**Notes:**\n")
		for _, n := range step.Notes {
			fmt.Fprintf(b, "- %s: %s\n", n.At.Format(displayTime), n.Text)
		}
	}
	b.WriteString("\n---\n\n")
}
