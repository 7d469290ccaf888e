package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mahnoorkhalid8/digitalfte/internal/metrics"
	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// DefaultConfidenceThreshold is the confidence below which a plan waits for
// a human before running.
const DefaultConfidenceThreshold = 0.7

// OutputCheck validates the outputs of a step attempt. An error wrapping
// ErrAnomaly halts the plan for a human; any other error fails the attempt.
type OutputCheck func(step *Step, outputs map[string]actions.Output) error

// RetryModifier is consulted before every retry of a step. A non-empty
// result is handed to the action handlers as the different approach to take.
type RetryModifier func(ctx context.Context, step *Step) string

// CriteriaCheck reports whether a success criterion holds for a completed plan.
type CriteriaCheck func(plan *Plan, criterion string) bool

// EngineConfig wires an Engine.
type EngineConfig struct {
	Planner *Planner
	Store   *PlanStore
	Actions *actions.Registry

	OutputCheck   OutputCheck
	RetryModifier RetryModifier
	CriteriaCheck CriteriaCheck
	// ConfidenceThreshold defaults to DefaultConfidenceThreshold.
	ConfidenceThreshold float64

	Logger  zerolog.Logger
	Clock   func() time.Time
	Metrics *metrics.Metrics
	Sink    observability.Sink
}

// Engine creates plans and runs them one step at a time. Steps of one plan
// never run concurrently; different plans may run in parallel.
type Engine struct {
	planner   *Planner
	store     *PlanStore
	registry  *actions.Registry
	reflector *Reflector

	check     OutputCheck
	modify    RetryModifier
	criteria  CriteriaCheck
	threshold float64

	logger  zerolog.Logger
	clock   func() time.Time
	metrics *metrics.Metrics
	sink    observability.Sink
}

// NewEngine creates an Engine. Planner, Store and Actions are required.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		planner:   cfg.Planner,
		store:     cfg.Store,
		registry:  cfg.Actions,
		reflector: NewReflector(),
		check:     cfg.OutputCheck,
		modify:    cfg.RetryModifier,
		criteria:  cfg.CriteriaCheck,
		threshold: cfg.ConfidenceThreshold,
		logger:    cfg.Logger.With().Str("component", "planner").Logger(),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		sink:      observability.OrNop(cfg.Sink),
	}
	if e.planner == nil {
		e.planner = NewPlanner()
	}
	if e.check == nil {
		e.check = DefaultOutputCheck
	}
	if e.criteria == nil {
		e.criteria = DefaultCriteriaCheck
	}
	if e.threshold <= 0 {
		e.threshold = DefaultConfidenceThreshold
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// Planner returns the planner used for decomposition.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// Store returns the plan store.
func (e *Engine) Store() *PlanStore {
	return e.store
}

// CreatePlan decomposes t and writes the initial plan document with every
// step PENDING. Dependency problems are noted on the plan; execution will
// end BLOCKED for them.
func (e *Engine) CreatePlan(ctx context.Context, t *task.Task) (*Plan, error) {
	plan, err := e.planner.Decompose(t)
	if err != nil {
		return nil, err
	}
	if err := e.planner.Validate(plan); err != nil {
		plan.note(plan.CreatedAt, "dependency check: %s", strings.ReplaceAll(err.Error(), "\n", "; "))
		e.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("Plan has dependency problems")
	}
	if err := e.store.Save(ctx, plan); err != nil {
		return nil, err
	}

	e.metrics.PlanCreated(string(plan.TaskType))
	e.sink.Record(ctx, observability.Event{
		Kind:      observability.KindPlan,
		Timestamp: plan.CreatedAt,
		Subject:   plan.ID,
		Action:    "created",
		Status:    string(plan.Status),
		Metadata: map[string]interface{}{
			"task_id":    plan.TaskID,
			"task_type":  string(plan.TaskType),
			"steps":      len(plan.Steps),
			"confidence": plan.Confidence,
		},
	})
	e.logger.Info().
		Str("plan_id", plan.ID).
		Str("task_type", string(plan.TaskType)).
		Int("steps", len(plan.Steps)).
		Float64("confidence", plan.Confidence).
		Msg("Plan created")
	return plan, nil
}

// ExecuteIteratively runs plan until every step is COMPLETED or SKIPPED, or
// until it halts BLOCKED or AWAITING_APPROVAL. The document is rewritten
// after every step transition. Step failures never surface as errors; the
// returned error is reserved for store failures and cancellation.
func (e *Engine) ExecuteIteratively(ctx context.Context, plan *Plan) (*Plan, error) {
	if plan.Status != PlanStatusNotStarted && plan.Status != PlanStatusInProgress {
		return plan, fmt.Errorf("%w: %s is %s", ErrNotRunnable, plan.ID, plan.Status)
	}

	ctx, span := tracing.StartSpan(ctx, "planner", "plan.execute",
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)))
	defer span.End()

	start := e.clock()
	logger := e.logger.With().Str("plan_id", plan.ID).Logger()

	binding, err := e.bind(plan)
	if err != nil {
		plan.Status = PlanStatusFailed
		plan.Reason = ReasonUnboundActions
		plan.note(e.now(), "cannot run: %s", strings.ReplaceAll(err.Error(), "\n", "; "))
		logger.Error().Err(err).Msg("Plan references unknown actions")
		return e.finish(ctx, plan, start)
	}

	// A plan with nothing to do completes whatever its confidence.
	if len(plan.Steps) > 0 && !plan.HumanApproved && plan.Confidence < e.threshold {
		e.halt(plan, ReasonLowConfidence, "confidence %.2f is below %.2f", plan.Confidence, e.threshold)
		return e.finish(ctx, plan, start)
	}

	e.prepare(plan)
	plan.Status = PlanStatusInProgress
	plan.UpdatedAt = e.now()
	if err := e.store.Save(ctx, plan); err != nil {
		return plan, err
	}
	logger.Info().Int("steps", len(plan.Steps)).Msg("Plan execution started")

	for {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		plan.UpdatedAt = e.now()
		logger.Debug().Float64("progress", plan.Progress()).Msg("Re-evaluating plan")

		if plan.Complete() {
			e.complete(plan)
			break
		}

		step := nextStep(plan)
		if step == nil {
			e.block(plan)
			break
		}

		// A step loaded with its budget already spent goes straight to recovery.
		if step.Attempts >= step.MaxAttempts {
			e.recover(plan, step)
			if err := e.store.Save(ctx, plan); err != nil {
				return plan, err
			}
			if plan.Status.Halted() {
				break
			}
			continue
		}

		stop, err := e.runStep(ctx, plan, step, binding)
		if err != nil {
			return plan, err
		}
		if stop {
			break
		}
	}

	return e.finish(ctx, plan, start)
}

// prepare repairs state left by an interrupted run.
func (e *Engine) prepare(plan *Plan) {
	now := e.now()
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = e.planner.maxAttempts
		}
		if step.Status == StepStatusInProgress {
			step.Status = StepStatusPending
			step.note(now, "attempt %d was interrupted", step.Attempts)
		}
	}
}

func (e *Engine) bind(plan *Plan) (actions.Binding, error) {
	var ids []string
	for i := range plan.Steps {
		ids = append(ids, plan.Steps[i].actionIDs()...)
	}
	if e.registry == nil {
		if len(ids) == 0 {
			return actions.Binding{}, nil
		}
		return nil, fmt.Errorf("no action registry configured")
	}
	return e.registry.Bind(ids...)
}

// nextStep returns the first PENDING step, in definition order, whose
// dependencies are all COMPLETED.
func nextStep(plan *Plan) *Step {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status != StepStatusPending {
			continue
		}
		if dependenciesMet(plan, step) {
			return step
		}
	}
	return nil
}

func dependenciesMet(plan *Plan, step *Step) bool {
	for _, depID := range step.Dependencies {
		dep := plan.Step(depID)
		if dep == nil || dep.Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

// runStep performs one attempt of step. stop is true when the plan halted.
func (e *Engine) runStep(ctx context.Context, plan *Plan, step *Step, binding actions.Binding) (stop bool, err error) {
	logger := e.logger.With().Str("plan_id", plan.ID).Str("step_id", step.ID).Logger()

	now := e.now()
	step.Status = StepStatusInProgress
	step.Attempts++
	step.StartedAt = &now
	step.note(now, "attempt %d/%d started", step.Attempts, step.MaxAttempts)
	plan.UpdatedAt = now

	var modification string
	if step.Attempts >= 2 && e.modify != nil {
		if modification = e.modify(ctx, step); modification != "" {
			step.note(now, "retrying with a different approach: %s", modification)
		}
	}
	if err := e.store.Save(ctx, plan); err != nil {
		return true, err
	}
	e.recordStep(ctx, plan, step, "step_started", nil)
	logger.Info().Int("attempt", step.Attempts).Str("step", step.Name).Msg("Step started")

	sc := actions.StepContext{
		PlanID:          plan.ID,
		StepID:          step.ID,
		StepName:        step.Name,
		Attempt:         step.Attempts,
		Objective:       plan.Objective,
		ExpectedOutputs: step.ExpectedOutputs,
		Inputs:          dependencyInputs(plan, step),
		Modification:    modification,
	}
	outputs := make(map[string]actions.Output, len(step.Actions))
	var runErr error
	for _, id := range step.Actions {
		out, err := binding.Run(ctx, id, sc)
		if err != nil {
			runErr = fmt.Errorf("action %s: %w", id, err)
			break
		}
		outputs[id] = out
	}

	if ctx.Err() != nil {
		// The attempt did not finish; it is not counted.
		step.Status = StepStatusPending
		step.Attempts--
		step.note(e.now(), "attempt interrupted: %v", ctx.Err())
		if err := e.store.Save(context.WithoutCancel(ctx), plan); err != nil {
			logger.Error().Err(err).Msg("Failed to save interrupted plan")
		}
		return true, ctx.Err()
	}

	if runErr == nil {
		runErr = e.check(step, outputs)
	}

	now = e.now()
	plan.UpdatedAt = now
	if runErr == nil {
		step.Status = StepStatusCompleted
		step.CompletedAt = &now
		step.ActualOutputs = outputs
		step.note(now, "completed on attempt %d", step.Attempts)
		e.metrics.StepAttempt("success")
		if err := e.store.Save(ctx, plan); err != nil {
			return true, err
		}
		e.recordStep(ctx, plan, step, "step_completed", nil)
		logger.Info().Int("attempt", step.Attempts).Msg("Step completed")
		return false, nil
	}

	failure := &TransientStepError{StepID: step.ID, Attempt: step.Attempts, Err: runErr}
	step.Failures++
	step.LastError = runErr.Error()
	e.metrics.StepAttempt("failure")

	strategy := RecoveryRetry
	if step.Attempts < step.MaxAttempts {
		step.Status = StepStatusPending
		step.note(now, "attempt %d failed: %v; will retry", step.Attempts, runErr)
	} else {
		strategy = e.recover(plan, step)
	}

	anomaly := errors.Is(runErr, ErrAnomaly)
	switch {
	case plan.Status.Halted():
	case anomaly:
		e.halt(plan, ReasonAnomaly, "step %s produced anomalous output: %v", step.ID, runErr)
	case plan.FailedSteps() >= 2 && plan.FailedSteps() > plan.AcknowledgedFailures:
		e.halt(plan, ReasonRepeatedFailures, "%d steps have failed", plan.FailedSteps())
	}

	if err := e.store.Save(ctx, plan); err != nil {
		return true, err
	}
	e.recordStep(ctx, plan, step, "step_failed", map[string]interface{}{
		"error":    runErr.Error(),
		"recovery": string(strategy),
	})
	logger.Warn().
		Err(failure).
		Int("attempt", step.Attempts).
		Int("max_attempts", step.MaxAttempts).
		Str("recovery", string(strategy)).
		Msg("Step failed")

	return plan.Status.Halted(), nil
}

// recover applies the recovery strategy to a step that spent its attempts.
func (e *Engine) recover(plan *Plan, step *Step) RecoveryStrategy {
	now := e.now()
	switch {
	case step.IsCritical && len(step.Alternatives) > 0 && !step.UsedAlternative:
		step.note(now, "attempts exhausted; switching to alternative actions %s", strings.Join(step.Alternatives, ", "))
		step.Actions, step.Alternatives = step.Alternatives, step.Actions
		step.UsedAlternative = true
		step.Attempts = 0
		step.Status = StepStatusPending
		return RecoveryAlternative

	case step.IsCritical:
		step.Status = StepStatusFailed
		step.note(now, "failed after %d attempts; critical step, plan halted", step.Attempts)
		e.halt(plan, ReasonCriticalExhaustion, "critical step %s failed after %d attempts", step.ID, step.Attempts)
		return RecoveryAbort

	default:
		step.Status = StepStatusSkipped
		step.CompletedAt = &now
		step.note(now, "skipped after %d failed attempts", step.Attempts)
		plan.note(now, "degraded completion: step %s skipped", step.ID)
		return RecoverySkipAndContinue
	}
}

func (e *Engine) halt(plan *Plan, reason Reason, format string, args ...interface{}) {
	plan.Status = PlanStatusAwaitingApproval
	plan.Reason = reason
	plan.note(e.now(), "human review requested: "+format, args...)
}

// block marks the plan BLOCKED because no step can run.
func (e *Engine) block(plan *Plan) {
	now := e.now()
	var waiting []string
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == StepStatusPending {
			step.Status = StepStatusBlocked
			step.note(now, "blocked: dependencies %s can never complete", strings.Join(step.Dependencies, ", "))
			waiting = append(waiting, step.ID)
		}
	}
	plan.Status = PlanStatusBlocked
	plan.Reason = ReasonDependencyDeadlock
	plan.note(now, "no executable step; blocked steps: %s", strings.Join(waiting, ", "))
}

func (e *Engine) complete(plan *Plan) {
	now := e.now()
	completed := plan.count(StepStatusCompleted)
	skipped := plan.count(StepStatusSkipped)

	rate := 1.0
	if completed+skipped > 0 {
		rate = float64(completed) / float64(completed+skipped)
	}

	plan.Status = PlanStatusCompleted
	plan.Reason = ReasonNone
	plan.CompletedAt = &now
	summary := &Summary{
		Status:         PlanStatusCompleted,
		CompletedSteps: completed,
		SkippedSteps:   skipped,
		TotalSteps:     len(plan.Steps),
		CriteriaTotal:  len(plan.SuccessCriteria),
		Elapsed:        now.Sub(plan.CreatedAt),
		SuccessRate:    rate,
	}
	for _, c := range plan.SuccessCriteria {
		if e.criteria(plan, c) {
			summary.CriteriaSatisfied++
		}
	}
	plan.Summary = summary
}

// finish attaches the reflection, persists the final state and reports it.
func (e *Engine) finish(ctx context.Context, plan *Plan, start time.Time) (*Plan, error) {
	now := e.now()
	plan.UpdatedAt = now
	plan.Reflection = e.reflector.Reflect(plan)

	if err := e.store.Save(ctx, plan); err != nil {
		return plan, err
	}

	e.metrics.PlanFinished(string(plan.Status), now.Sub(start))
	e.sink.Record(ctx, observability.Event{
		Kind:      observability.KindPlan,
		Timestamp: now,
		Subject:   plan.ID,
		Action:    "finished",
		Status:    string(plan.Status),
		Metadata: map[string]interface{}{
			"reason":   string(plan.Reason),
			"progress": plan.Progress(),
		},
	})

	event := e.logger.Info()
	if plan.Status != PlanStatusCompleted {
		event = e.logger.Warn()
	}
	event.
		Str("plan_id", plan.ID).
		Str("status", string(plan.Status)).
		Str("reason", string(plan.Reason)).
		Float64("progress", plan.Progress()).
		Msg("Plan execution stopped")
	return plan, nil
}

func (e *Engine) recordStep(ctx context.Context, plan *Plan, step *Step, action string, meta map[string]interface{}) {
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["step_id"] = step.ID
	meta["attempt"] = step.Attempts
	e.sink.Record(ctx, observability.Event{
		Kind:      observability.KindStep,
		Timestamp: e.now(),
		Subject:   plan.ID,
		Action:    action,
		Status:    string(step.Status),
		Metadata:  meta,
	})
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// dependencyInputs merges the outputs of each completed dependency.
func dependencyInputs(plan *Plan, step *Step) map[string]actions.Output {
	if len(step.Dependencies) == 0 {
		return nil
	}
	inputs := make(map[string]actions.Output, len(step.Dependencies))
	for _, depID := range step.Dependencies {
		dep := plan.Step(depID)
		if dep == nil {
			continue
		}
		merged := actions.Output{}
		for _, out := range dep.ActualOutputs {
			for k, v := range out {
				merged[k] = v
			}
		}
		inputs[depID] = merged
	}
	return inputs
}

// DefaultOutputCheck requires at least one output when the step has actions
// and every expected output to be produced by some action.
func DefaultOutputCheck(step *Step, outputs map[string]actions.Output) error {
	if len(step.Actions) > 0 && len(outputs) == 0 {
		return errors.New("no outputs produced")
	}
	for _, name := range step.ExpectedOutputs {
		found := false
		for _, out := range outputs {
			if _, ok := out[name]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("expected output %q was not produced", name)
		}
	}
	return nil
}

// DefaultCriteriaCheck counts every criterion as met unless a step was
// skipped.
func DefaultCriteriaCheck(plan *Plan, _ string) bool {
	return plan.count(StepStatusSkipped) == 0
}
