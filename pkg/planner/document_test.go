package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
	"github.com/mahnoorkhalid8/digitalfte/pkg/frontmatter"
	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

func TestEncodeDecodePlan(t *testing.T) {
	completed := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	plan := newPlan(
		Step{
			ID:            "a",
			Name:          "Fetch",
			Actions:       []string{"fetch_data"},
			Status:        StepStatusCompleted,
			Attempts:      2,
			Failures:      1,
			IsCritical:    true,
			CompletedAt:   &completed,
			ActualOutputs: map[string]actions.Output{"fetch_data": {"rows": 12}},
			Notes:         []Note{{At: completed, Text: "completed on attempt 2"}},
		},
		Step{ID: "b", Name: "Store", Actions: []string{"write_output"}, Dependencies: []string{"a"}},
	)
	plan.Summary = &Summary{Status: PlanStatusCompleted, Elapsed: 90 * time.Second, SuccessRate: 0.5}

	data, err := EncodePlan(plan)
	if err != nil {
		t.Fatalf("EncodePlan failed: %v", err)
	}
	decoded, err := DecodePlan(data)
	if err != nil {
		t.Fatalf("DecodePlan failed: %v", err)
	}

	if decoded.ID != plan.ID || decoded.Status != plan.Status || len(decoded.Steps) != 2 {
		t.Errorf("Decoded plan differs: %+v", decoded)
	}
	a := decoded.Step("a")
	if a.Attempts != 2 || a.Failures != 1 || a.Status != StepStatusCompleted || !a.IsCritical {
		t.Errorf("Decoded step a differs: %+v", a)
	}
	if a.CompletedAt == nil || !a.CompletedAt.Equal(completed) {
		t.Errorf("Completion time lost: %v", a.CompletedAt)
	}
	if decoded.Step("b").Dependencies[0] != "a" {
		t.Errorf("Dependencies lost")
	}
	if decoded.Summary == nil || decoded.Summary.Elapsed != 90*time.Second {
		t.Errorf("Summary lost: %+v", decoded.Summary)
	}
}

func TestDecodePlanErrors(t *testing.T) {
	if _, err := DecodePlan([]byte("# no header")); !errors.Is(err, frontmatter.ErrMissing) {
		t.Errorf("Expected ErrMissing, got %v", err)
	}
	if _, err := DecodePlan([]byte("---\nstatus: NOT_STARTED\n---\n")); !errors.Is(err, frontmatter.ErrMalformed) {
		t.Errorf("Expected ErrMalformed for missing id, got %v", err)
	}
}

func TestRenderMarkdown(t *testing.T) {
	plan := newPlan(
		Step{ID: "a", Name: "Fetch", Actions: []string{"fetch_data"}, Status: StepStatusCompleted, Attempts: 1},
		Step{ID: "b", Name: "Store", Actions: []string{"write_output"}, Dependencies: []string{"a"}, Alternatives: []string{"write_backup"}},
	)
	plan.Objective = "Move the data"
	plan.Status = PlanStatusAwaitingApproval
	plan.Reason = ReasonCriticalExhaustion

	body := string(RenderMarkdown(plan))
	for _, want := range []string{
		"# Execution Plan: Move the data",
		"**Status:** AWAITING_APPROVAL",
		"**Reason:** critical_step_exhaustion",
		"- [ ] everything ran",
		"### Step: Fetch",
		"**Attempts:** 1/3",
		"**Depends on:** a",
		"**Alternative:** write_backup",
		"**Progress:** 1/2 steps completed",
		"**Completion:** 50%",
		"## Human Review Required",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in body:\n%s", want, body)
		}
	}
}

func TestPlanStoreArchive(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	plan := newPlan()
	if err := f.plans.Save(ctx, plan); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := f.plans.Archive(ctx, plan); err == nil {
		t.Error("Expected error archiving a NOT_STARTED plan")
	}

	plan.Status = PlanStatusCompleted
	if err := f.plans.Save(ctx, plan); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := f.plans.Archive(ctx, plan); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if _, err := f.plans.Load(ctx, plan.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected plan to be gone from the active collection, got %v", err)
	}
	data, err := f.docs.Get(ctx, "Done", plan.ID+"-COMPLETED")
	if err != nil {
		t.Fatalf("Archived plan missing: %v", err)
	}
	if _, err := DecodePlan(data); err != nil {
		t.Errorf("Archived plan does not decode: %v", err)
	}

	plans, err := f.plans.List(ctx)
	if err != nil || len(plans) != 0 {
		t.Errorf("Expected no active plans, got %d (%v)", len(plans), err)
	}
}
