package planner

import (
	"fmt"
	"strings"
	"time"
)

// ReviewDecision represents a reviewer's decision on a halted plan
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve" // Resume the plan as-is
	ReviewModify  ReviewDecision = "modify"  // Apply changes, then resume
	ReviewReject  ReviewDecision = "reject"  // Give up; the plan fails
)

// ParseReviewDecision accepts the decision names used on the command line.
func ParseReviewDecision(s string) (ReviewDecision, error) {
	switch d := ReviewDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case ReviewApprove, ReviewModify, ReviewReject:
		return d, nil
	default:
		return "", fmt.Errorf("invalid review decision: %q", s)
	}
}

// Modifier edits a plan during a modify review.
type Modifier func(plan *Plan) error

// Reviewer resolves plans that stopped for human intervention.
type Reviewer struct {
	planner *Planner
	clock   func() time.Time
}

// NewReviewer creates a new reviewer
func NewReviewer(planner *Planner) *Reviewer {
	if planner == nil {
		planner = NewPlanner()
	}
	return &Reviewer{
		planner: planner,
		clock:   planner.clock,
	}
}

// Resolve applies decision to a BLOCKED or AWAITING_APPROVAL plan. Approve
// and modify leave the plan IN_PROGRESS, ready for the engine; reject leaves
// it FAILED. Steps that are COMPLETED or SKIPPED are never touched.
func (r *Reviewer) Resolve(plan *Plan, decision ReviewDecision, by, comments string, modify Modifier) error {
	if !plan.Status.Halted() {
		return fmt.Errorf("%w: %s is %s, not waiting for review", ErrNotRunnable, plan.ID, plan.Status)
	}
	if by == "" {
		by = "reviewer"
	}
	now := r.clock().UTC()

	switch decision {
	case ReviewApprove:
		r.resume(plan, now)

	case ReviewModify:
		if modify == nil {
			return fmt.Errorf("modify review requires a modifier")
		}
		// Work on a copy so a failed modification leaves the plan untouched.
		candidate := clonePlan(plan)
		if err := modify(candidate); err != nil {
			return fmt.Errorf("modify plan: %w", err)
		}
		if err := r.validateModifiedPlan(plan, candidate); err != nil {
			return fmt.Errorf("invalid modified plan: %w", err)
		}
		*plan = *candidate
		r.resume(plan, now)

	case ReviewReject:
		plan.Status = PlanStatusFailed
		plan.Reason = ReasonRejected

	default:
		return fmt.Errorf("invalid review decision: %s", decision)
	}

	note := fmt.Sprintf("%s by %s", decision, by)
	if comments != "" {
		note += ": " + comments
	}
	plan.note(now, "%s", note)
	plan.UpdatedAt = now
	return nil
}

// resume resets failed and blocked steps and clears the halt.
func (r *Reviewer) resume(plan *Plan, now time.Time) {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		switch step.Status {
		case StepStatusFailed:
			step.Status = StepStatusPending
			step.Attempts = 0
			step.note(now, "reset by reviewer")
		case StepStatusBlocked:
			step.Status = StepStatusPending
			step.note(now, "unblocked by reviewer")
		}
	}
	plan.Status = PlanStatusInProgress
	plan.Reason = ReasonNone
	plan.HumanApproved = true
	plan.AcknowledgedFailures = plan.FailedSteps()
}

// validateModifiedPlan checks a reviewer's edit
func (r *Reviewer) validateModifiedPlan(original, modified *Plan) error {
	if modified.ID != original.ID {
		return fmt.Errorf("plan ID changed from %s to %s", original.ID, modified.ID)
	}
	for _, step := range original.Steps {
		if !step.Status.IsTerminal() {
			continue
		}
		m := modified.Step(step.ID)
		if m == nil {
			return fmt.Errorf("finished step %s was removed", step.ID)
		}
		if m.Status != step.Status || m.Attempts != step.Attempts {
			return fmt.Errorf("finished step %s was changed", step.ID)
		}
	}
	for _, step := range modified.Steps {
		if step.Attempts > step.MaxAttempts {
			return fmt.Errorf("step %s has %d attempts, above its maximum %d", step.ID, step.Attempts, step.MaxAttempts)
		}
	}
	return r.planner.Validate(modified)
}

// FormatPlanForReview formats a plan for display to the reviewer
func (r *Reviewer) FormatPlanForReview(plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", plan.Objective)
	fmt.Fprintf(&b, "ID: %s\n", plan.ID)
	fmt.Fprintf(&b, "Status: %s", plan.Status)
	if plan.Reason != ReasonNone {
		fmt.Fprintf(&b, " (%s)", plan.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Created: %s\n", plan.CreatedAt.Format(displayTime))
	fmt.Fprintf(&b, "Progress: %.0f%%\n\n", plan.Progress()*100)

	levels, err := r.planner.ExecutionOrder(plan)
	for levelIdx, level := range levels {
		fmt.Fprintf(&b, "Level %d:\n", levelIdx)
		for _, stepID := range level {
			step := plan.Step(stepID)
			if step == nil {
				continue
			}
			fmt.Fprintf(&b, "  - [%s] %s %s (%d/%d)\n", step.ID, step.Name, step.Status, step.Attempts, step.MaxAttempts)
			if len(step.Dependencies) > 0 {
				fmt.Fprintf(&b, "    Dependencies: %s\n", strings.Join(step.Dependencies, ", "))
			}
			if step.LastError != "" {
				fmt.Fprintf(&b, "    Last error: %s\n", step.LastError)
			}
		}
	}
	if err != nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
	}
	return b.String()
}

// SkipStep marks a step that has not finished as SKIPPED. Steps depending on
// it still wait for COMPLETED and will block.
func SkipStep(stepID string) Modifier {
	return func(p *Plan) error {
		step := p.Step(stepID)
		if step == nil {
			return fmt.Errorf("step not found: %s", stepID)
		}
		if step.Status.IsTerminal() {
			return fmt.Errorf("step %s is already %s", stepID, step.Status)
		}
		step.Status = StepStatusSkipped
		step.note(time.Now().UTC(), "skipped by reviewer")
		return nil
	}
}

// AddStep appends a step to the plan
func AddStep(step Step) Modifier {
	return func(p *Plan) error {
		if p.Step(step.ID) != nil {
			return fmt.Errorf("step ID already exists: %s", step.ID)
		}
		for _, depID := range step.Dependencies {
			if p.Step(depID) == nil {
				return fmt.Errorf("dependency not found: %s", depID)
			}
		}
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = DefaultMaxAttempts
		}
		p.Steps = append(p.Steps, step)
		return nil
	}
}

// DropDependency removes dep from a step's dependencies.
func DropDependency(stepID, dep string) Modifier {
	return func(p *Plan) error {
		step := p.Step(stepID)
		if step == nil {
			return fmt.Errorf("step not found: %s", stepID)
		}
		kept := step.Dependencies[:0]
		found := false
		for _, d := range step.Dependencies {
			if d == dep {
				found = true
				continue
			}
			kept = append(kept, d)
		}
		if !found {
			return fmt.Errorf("step %s does not depend on %s", stepID, dep)
		}
		step.Dependencies = kept
		return nil
	}
}

func clonePlan(plan *Plan) *Plan {
	c := *plan
	c.Steps = make([]Step, len(plan.Steps))
	for i, s := range plan.Steps {
		s.Dependencies = append([]string(nil), s.Dependencies...)
		s.Actions = append([]string(nil), s.Actions...)
		s.Alternatives = append([]string(nil), s.Alternatives...)
		s.Notes = append([]Note(nil), s.Notes...)
		c.Steps[i] = s
	}
	c.Notes = append([]Note(nil), plan.Notes...)
	c.SuccessCriteria = append([]string(nil), plan.SuccessCriteria...)
	return &c
}
