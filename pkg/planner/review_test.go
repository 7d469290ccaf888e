package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
)

func haltedPlan(t *testing.T, f *fixture) *Plan {
	t.Helper()
	plan := newPlan(
		Step{ID: "a", Actions: []string{"work"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"flaky"}, Dependencies: []string{"a"}, IsCritical: true},
		Step{ID: "c", Actions: []string{"work"}, Dependencies: []string{"b"}, IsCritical: true},
	)
	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval {
		t.Fatalf("Expected AWAITING_APPROVAL, got %s", result.Status)
	}
	return result
}

func TestReviewApproveResumes(t *testing.T) {
	// flaky fails its first three calls, then works
	f := newFixture(t, map[string]actions.Handler{
		"work":  &scripted{},
		"flaky": &scripted{failFirst: 3},
	}, nil)
	plan := haltedPlan(t, f)
	r := NewReviewer(f.engine.Planner())

	if err := r.Resolve(plan, ReviewApprove, "alice", "network is back", nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if plan.Status != PlanStatusInProgress || !plan.HumanApproved {
		t.Errorf("Expected resumed plan, got %s", plan.Status)
	}
	if s := plan.Step("b"); s.Status != StepStatusPending || s.Attempts != 0 {
		t.Errorf("Step b: status %s attempts %d", s.Status, s.Attempts)
	}
	if s := plan.Step("a"); s.Status != StepStatusCompleted || s.Attempts != 1 {
		t.Errorf("Completed step a was touched: %s %d", s.Status, s.Attempts)
	}

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Errorf("Expected COMPLETED after approval, got %s (%s)", result.Status, result.Reason)
	}
	found := false
	for _, n := range result.Notes {
		if strings.Contains(n.Text, "approve by alice: network is back") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the review to be noted, got %+v", result.Notes)
	}
}

func TestReviewReject(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{
		"work":  &scripted{},
		"flaky": &scripted{failFirst: -1},
	}, nil)
	plan := haltedPlan(t, f)
	r := NewReviewer(f.engine.Planner())

	if err := r.Resolve(plan, ReviewReject, "bob", "not worth it", nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if plan.Status != PlanStatusFailed || plan.Reason != ReasonRejected {
		t.Errorf("Expected rejected plan, got %s (%s)", plan.Status, plan.Reason)
	}
	if !strings.Contains(plan.Notes[len(plan.Notes)-1].Text, "reject by bob: not worth it") {
		t.Errorf("Unexpected note %q", plan.Notes[len(plan.Notes)-1].Text)
	}
	if _, err := f.engine.ExecuteIteratively(context.Background(), plan); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Expected ErrNotRunnable for rejected plan, got %v", err)
	}
}

func TestReviewModifySkipsStep(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{
		"work":  &scripted{},
		"flaky": &scripted{failFirst: -1},
	}, nil)
	plan := haltedPlan(t, f)
	r := NewReviewer(f.engine.Planner())

	modify := func(p *Plan) error {
		if err := SkipStep("b")(p); err != nil {
			return err
		}
		return DropDependency("c", "b")(p)
	}
	if err := r.Resolve(plan, ReviewModify, "carol", "", modify); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	if result.Step("b").Status != StepStatusSkipped || result.Step("c").Status != StepStatusCompleted {
		t.Errorf("Unexpected step states: b=%s c=%s", result.Step("b").Status, result.Step("c").Status)
	}
}

func TestReviewModifyRejectsInvalidEdit(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{
		"work":  &scripted{},
		"flaky": &scripted{failFirst: -1},
	}, nil)
	plan := haltedPlan(t, f)
	r := NewReviewer(f.engine.Planner())

	tests := []struct {
		name   string
		modify Modifier
	}{
		{"reopen finished step", func(p *Plan) error {
			p.Step("a").Status = StepStatusPending
			return nil
		}},
		{"unknown dependency", AddStep(Step{ID: "d", Dependencies: []string{"ghost"}})},
		{"cycle", func(p *Plan) error {
			p.Step("b").Dependencies = append(p.Step("b").Dependencies, "c")
			return nil
		}},
		{"nil modifier", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Resolve(plan, ReviewModify, "dave", "", tt.modify); err == nil {
				t.Error("Expected error")
			}
			if plan.Status != PlanStatusAwaitingApproval {
				t.Errorf("Failed edit changed plan status to %s", plan.Status)
			}
			if plan.Step("a").Status != StepStatusCompleted {
				t.Error("Failed edit changed step a")
			}
		})
	}
}

func TestReviewRequiresHaltedPlan(t *testing.T) {
	r := NewReviewer(nil)
	plan := newPlan()
	if err := r.Resolve(plan, ReviewApprove, "", "", nil); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Expected ErrNotRunnable, got %v", err)
	}
}

func TestParseReviewDecision(t *testing.T) {
	if d, err := ParseReviewDecision(" Approve "); err != nil || d != ReviewApprove {
		t.Errorf("Got %s, %v", d, err)
	}
	if _, err := ParseReviewDecision("maybe"); err == nil {
		t.Error("Expected error")
	}
}

func TestFormatPlanForReview(t *testing.T) {
	r := NewReviewer(nil)
	plan := newPlan(
		Step{ID: "a", Name: "Fetch", LastError: "timeout"},
		Step{ID: "b", Name: "Store", Dependencies: []string{"a"}},
	)
	plan.Status = PlanStatusAwaitingApproval
	plan.Reason = ReasonCriticalExhaustion

	out := r.FormatPlanForReview(plan)
	for _, want := range []string{
		"Status: AWAITING_APPROVAL (critical_step_exhaustion)",
		"Level 0:",
		"[a] Fetch PENDING (0/3)",
		"Last error: timeout",
		"Dependencies: a",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
}
