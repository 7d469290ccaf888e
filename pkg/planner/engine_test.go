package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

func TestExecuteZeroStepPlan(t *testing.T) {
	f := newFixture(t, nil, nil)
	plan := newPlan()

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
	if result.Progress() != 1 {
		t.Errorf("Expected progress 1, got %v", result.Progress())
	}
	if result.Summary == nil || result.Summary.SuccessRate != 1 {
		t.Errorf("Expected success rate 1, got %+v", result.Summary)
	}
}

func TestExecuteZeroStepPlanIgnoresLowConfidence(t *testing.T) {
	f := newFixture(t, nil, nil)
	plan := newPlan()
	plan.Confidence = 0

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	if result.Progress() != 1 {
		t.Errorf("Expected progress 1, got %v", result.Progress())
	}
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"work": ok}, nil)
	plan := newPlan(
		Step{ID: "a", Actions: []string{"work"}, ExpectedOutputs: []string{"out_a"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"work"}, Dependencies: []string{"a"}, IsCritical: true},
	)

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	for _, step := range result.Steps {
		if step.Status != StepStatusCompleted || step.Attempts != 1 {
			t.Errorf("Step %s: status %s attempts %d", step.ID, step.Status, step.Attempts)
		}
		if step.CompletedAt == nil {
			t.Errorf("Step %s has no completion time", step.ID)
		}
	}
	if result.Summary.CriteriaSatisfied != 1 {
		t.Errorf("Expected 1 criterion satisfied, got %d", result.Summary.CriteriaSatisfied)
	}

	// b receives a's outputs.
	if len(ok.seen) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(ok.seen))
	}
	if ok.seen[1].Inputs["a"]["out_a"] != "ok" {
		t.Errorf("Expected dependency output in inputs, got %v", ok.seen[1].Inputs)
	}

	stored, err := f.plans.Load(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.Status != PlanStatusCompleted {
		t.Errorf("Stored plan status is %s", stored.Status)
	}
}

func TestCriticalFailureLeavesDependentsPending(t *testing.T) {
	fail := &scripted{failFirst: -1}
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"fail": fail, "work": ok}, nil)
	plan := newPlan(
		Step{ID: "A", Actions: []string{"fail"}, IsCritical: true},
		Step{ID: "B", Actions: []string{"work"}, Dependencies: []string{"A"}, IsCritical: true},
	)

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval {
		t.Errorf("Expected AWAITING_APPROVAL, got %s", result.Status)
	}
	if result.Reason != ReasonCriticalExhaustion {
		t.Errorf("Expected reason %s, got %s", ReasonCriticalExhaustion, result.Reason)
	}

	a, b := result.Step("A"), result.Step("B")
	if a.Status != StepStatusFailed || a.Attempts != 3 {
		t.Errorf("Step A: status %s attempts %d", a.Status, a.Attempts)
	}
	if b.Status != StepStatusPending || b.Attempts != 0 {
		t.Errorf("Step B: status %s attempts %d", b.Status, b.Attempts)
	}
	if ok.Calls() != 0 {
		t.Errorf("Step B ran %d times", ok.Calls())
	}
	if fail.Calls() != 3 {
		t.Errorf("Expected 3 attempts of A, got %d", fail.Calls())
	}
}

func TestNonCriticalFailureIsSkipped(t *testing.T) {
	fail := &scripted{failFirst: -1}
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"fail": fail, "work": ok}, nil)
	plan := newPlan(
		Step{ID: "step-1", Actions: []string{"work"}, IsCritical: true},
		Step{ID: "step-2", Actions: []string{"fail"}, IsCritical: false},
		Step{ID: "step-3", Actions: []string{"work"}, IsCritical: true},
	)

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	if s := result.Step("step-2"); s.Status != StepStatusSkipped || s.Attempts != 3 {
		t.Errorf("step-2: status %s attempts %d", s.Status, s.Attempts)
	}
	if math.Abs(result.Summary.SuccessRate-2.0/3.0) > 1e-9 {
		t.Errorf("Expected success rate 2/3, got %v", result.Summary.SuccessRate)
	}
	if result.Summary.SkippedSteps != 1 || result.Summary.CompletedSteps != 2 {
		t.Errorf("Unexpected summary: %+v", result.Summary)
	}
	if result.Summary.CriteriaSatisfied != 0 {
		t.Errorf("Degraded completion should not satisfy criteria by default")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	flaky := &scripted{failFirst: 2}
	f := newFixture(t, map[string]actions.Handler{"flaky": flaky}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"flaky"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	step := result.Step("a")
	if step.Status != StepStatusCompleted || step.Attempts != 3 || step.Failures != 2 {
		t.Errorf("Step a: status %s attempts %d failures %d", step.Status, step.Attempts, step.Failures)
	}
	if result.Status != PlanStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
	if result.Reflection == nil || len(result.Reflection.SuggestionsByAction("investigate")) != 1 {
		t.Errorf("Expected a flaky-step suggestion, got %+v", result.Reflection)
	}
}

func TestAlternativeRecovery(t *testing.T) {
	fail := &scripted{failFirst: -1}
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"primary": fail, "fallback": ok}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"primary"}, Alternatives: []string{"fallback"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	step := result.Step("a")
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	if !step.UsedAlternative || step.Attempts != 1 || step.Failures != 3 {
		t.Errorf("Step a: alternative %v attempts %d failures %d", step.UsedAlternative, step.Attempts, step.Failures)
	}
	if len(step.Actions) != 1 || step.Actions[0] != "fallback" {
		t.Errorf("Expected fallback actions, got %v", step.Actions)
	}
}

func TestAlternativeAlsoFailingAborts(t *testing.T) {
	fail := &scripted{failFirst: -1}
	f := newFixture(t, map[string]actions.Handler{"primary": fail, "fallback": fail}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"primary"}, Alternatives: []string{"fallback"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval || result.Reason != ReasonCriticalExhaustion {
		t.Errorf("Expected critical exhaustion, got %s (%s)", result.Status, result.Reason)
	}
	if fail.Calls() != 6 {
		t.Errorf("Expected 6 attempts, got %d", fail.Calls())
	}
}

func TestDependencyDeadlockBlocks(t *testing.T) {
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"work": ok}, nil)
	plan := newPlan(
		Step{ID: "a", Actions: []string{"work"}, Dependencies: []string{"b"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"work"}, Dependencies: []string{"a"}, IsCritical: true},
	)

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusBlocked || result.Reason != ReasonDependencyDeadlock {
		t.Errorf("Expected BLOCKED, got %s (%s)", result.Status, result.Reason)
	}
	for _, step := range result.Steps {
		if step.Status != StepStatusBlocked {
			t.Errorf("Step %s: expected BLOCKED, got %s", step.ID, step.Status)
		}
	}
	if ok.Calls() != 0 {
		t.Errorf("No step should have run, got %d calls", ok.Calls())
	}
}

func TestUnknownDependencyBlocks(t *testing.T) {
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"work": ok}, nil)
	plan := newPlan(
		Step{ID: "a", Actions: []string{"work"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"work"}, Dependencies: []string{"missing"}, IsCritical: true},
	)

	result, _ := f.engine.ExecuteIteratively(context.Background(), plan)
	if result.Status != PlanStatusBlocked {
		t.Errorf("Expected BLOCKED, got %s", result.Status)
	}
	if result.Step("a").Status != StepStatusCompleted {
		t.Errorf("Independent step should still complete")
	}
}

func TestLowConfidenceAwaitsApproval(t *testing.T) {
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"work": ok}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"work"}, IsCritical: true})
	plan.Confidence = 0.5

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval || result.Reason != ReasonLowConfidence {
		t.Errorf("Expected low confidence halt, got %s (%s)", result.Status, result.Reason)
	}
	if ok.Calls() != 0 {
		t.Errorf("No step should run before review")
	}
}

func TestRepeatedFailuresAwaitApproval(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{
		"flaky1": &scripted{failFirst: 1},
		"flaky2": &scripted{failFirst: 1},
		"work":   &scripted{},
	}, nil)
	plan := newPlan(
		Step{ID: "a", Actions: []string{"flaky1"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"flaky2"}, IsCritical: true},
		Step{ID: "c", Actions: []string{"work"}, IsCritical: true},
	)

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval || result.Reason != ReasonRepeatedFailures {
		t.Errorf("Expected repeated failures halt, got %s (%s)", result.Status, result.Reason)
	}
	if result.Step("a").Status != StepStatusCompleted {
		t.Errorf("Step a should have completed on retry")
	}
	if s := result.Step("b"); s.Status != StepStatusPending || s.Attempts != 1 {
		t.Errorf("Step b: status %s attempts %d", s.Status, s.Attempts)
	}
	if result.Step("c").Status != StepStatusPending {
		t.Errorf("Step c should not have run")
	}
}

func TestAnomalousOutputAwaitsApproval(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{"work": &scripted{}}, func(cfg *EngineConfig) {
		cfg.OutputCheck = func(step *Step, outputs map[string]actions.Output) error {
			return fmt.Errorf("%w: total is negative", ErrAnomaly)
		}
	})
	plan := newPlan(Step{ID: "a", Actions: []string{"work"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusAwaitingApproval || result.Reason != ReasonAnomaly {
		t.Errorf("Expected anomaly halt, got %s (%s)", result.Status, result.Reason)
	}
	if s := result.Step("a"); s.Status != StepStatusPending || s.Attempts != 1 {
		t.Errorf("Step a: status %s attempts %d", s.Status, s.Attempts)
	}
}

func TestMissingExpectedOutputIsFailure(t *testing.T) {
	bare := actions.Func{Cap: actions.CapabilityCompute, Fn: func(ctx context.Context, sc actions.StepContext) (actions.Output, error) {
		return actions.Output{"status": "done"}, nil
	}}
	f := newFixture(t, map[string]actions.Handler{"bare": bare}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"bare"}, ExpectedOutputs: []string{"report"}, IsCritical: false})

	result, _ := f.engine.ExecuteIteratively(context.Background(), plan)
	step := result.Step("a")
	if step.Status != StepStatusSkipped {
		t.Errorf("Expected SKIPPED, got %s", step.Status)
	}
	if step.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestRetryModifierOnSecondAttempt(t *testing.T) {
	flaky := &scripted{failFirst: 1}
	var asked []int
	f := newFixture(t, map[string]actions.Handler{"flaky": flaky}, func(cfg *EngineConfig) {
		cfg.RetryModifier = func(ctx context.Context, step *Step) string {
			asked = append(asked, step.Attempts)
			return "use the backup endpoint"
		}
	})
	plan := newPlan(Step{ID: "a", Actions: []string{"flaky"}, IsCritical: true})

	if _, err := f.engine.ExecuteIteratively(context.Background(), plan); err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if len(asked) != 1 || asked[0] != 2 {
		t.Errorf("Expected modifier consulted once on attempt 2, got %v", asked)
	}
	if flaky.seen[0].Modification != "" || flaky.seen[1].Modification != "use the backup endpoint" {
		t.Errorf("Unexpected modifications: %q, %q", flaky.seen[0].Modification, flaky.seen[1].Modification)
	}
}

func TestUnknownActionFailsPlan(t *testing.T) {
	f := newFixture(t, nil, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"teleport"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusFailed || result.Reason != ReasonUnboundActions {
		t.Errorf("Expected unbound actions failure, got %s (%s)", result.Status, result.Reason)
	}
	if result.Step("a").Attempts != 0 {
		t.Error("No attempt should be made")
	}
}

func TestFinishedPlanIsNotRunnable(t *testing.T) {
	f := newFixture(t, nil, nil)
	plan := newPlan()
	plan.Status = PlanStatusCompleted

	if _, err := f.engine.ExecuteIteratively(context.Background(), plan); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Expected ErrNotRunnable, got %v", err)
	}
}

func TestCancellationDoesNotCountAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := actions.Func{Cap: actions.CapabilityCompute, Fn: func(ctx context.Context, sc actions.StepContext) (actions.Output, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, map[string]actions.Handler{"wait": blocking}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"wait"}, IsCritical: true})

	result, err := f.engine.ExecuteIteratively(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	step := result.Step("a")
	if step.Status != StepStatusPending || step.Attempts != 0 {
		t.Errorf("Step a: status %s attempts %d", step.Status, step.Attempts)
	}
	stored, err := f.plans.Load(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.Step("a").Status != StepStatusPending {
		t.Errorf("Stored step status is %s", stored.Step("a").Status)
	}
}

func TestPlanRewrittenAfterEveryTransition(t *testing.T) {
	f := newFixture(t, map[string]actions.Handler{
		"work":  &scripted{},
		"flaky": &scripted{failFirst: 1},
	}, nil)
	plan := newPlan(
		Step{ID: "a", Actions: []string{"work"}, IsCritical: true},
		Step{ID: "b", Actions: []string{"flaky"}, Dependencies: []string{"a"}, IsCritical: true},
	)

	if _, err := f.engine.ExecuteIteratively(context.Background(), plan); err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	// start + (started, finished) per attempt + final
	if want := 1 + 2*3 + 1; f.docs.Writes() != want {
		t.Errorf("Expected %d writes, got %d", want, f.docs.Writes())
	}
}

func TestResumeInterruptedStep(t *testing.T) {
	ok := &scripted{}
	f := newFixture(t, map[string]actions.Handler{"work": ok}, nil)
	plan := newPlan(Step{ID: "a", Actions: []string{"work"}, IsCritical: true})
	plan.Status = PlanStatusInProgress
	plan.Steps[0].Status = StepStatusInProgress
	plan.Steps[0].Attempts = 1

	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if s := result.Step("a"); s.Status != StepStatusCompleted || s.Attempts != 2 {
		t.Errorf("Step a: status %s attempts %d", s.Status, s.Attempts)
	}
}

func TestCreatePlanPersists(t *testing.T) {
	rec := &observability.Recorder{}
	f := newFixture(t, nil, func(cfg *EngineConfig) { cfg.Sink = rec })

	plan, err := f.engine.CreatePlan(context.Background(), &task.Task{
		ID:         "task-1",
		Objective:  "Generate weekly report",
		ActionType: "generate_report",
	})
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if plan.TaskType != TaskTypeReportGeneration {
		t.Errorf("Expected report template, got %s", plan.TaskType)
	}

	stored, err := f.plans.Load(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.Status != PlanStatusNotStarted || len(stored.Steps) != 3 {
		t.Errorf("Unexpected stored plan: %s with %d steps", stored.Status, len(stored.Steps))
	}
	for _, s := range stored.Steps {
		if s.Status != StepStatusPending {
			t.Errorf("Step %s: expected PENDING, got %s", s.ID, s.Status)
		}
	}
	if got := rec.Actions(plan.ID); len(got) != 1 || got[0] != "plan.created" {
		t.Errorf("Unexpected audit events: %v", got)
	}
}

func TestCreateAndRunTemplatePlanWithBuiltins(t *testing.T) {
	f := newFixture(t, nil, nil)
	actions.RegisterBuiltins(f.registry)

	plan, err := f.engine.CreatePlan(context.Background(), &task.Task{
		Objective:  "Process the sales data",
		ActionType: "process_data",
	})
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	start := time.Now()
	result, err := f.engine.ExecuteIteratively(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteIteratively failed: %v", err)
	}
	if result.Status != PlanStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", result.Status, result.Reason)
	}
	if len(result.Steps) != 5 {
		t.Errorf("Expected 5 data processing steps, got %d", len(result.Steps))
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Simulated plan took too long")
	}
}
