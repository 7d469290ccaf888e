package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// DefaultMaxAttempts is the retry budget of a step that does not set one.
const DefaultMaxAttempts = 3

// Confidence estimates by how the steps were obtained.
const (
	ConfidenceExplicit = 0.95
	ConfidenceTemplate = 0.85
	ConfidenceGeneric  = 0.7
)

// Planner decomposes tasks into plans.
type Planner struct {
	maxAttempts int
	clock       func() time.Time
}

// NewPlanner creates a new planner instance
func NewPlanner() *Planner {
	return &Planner{
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
	}
}

// SetMaxAttempts sets the default retry budget for new steps.
func (p *Planner) SetMaxAttempts(n int) {
	if n > 0 {
		p.maxAttempts = n
	}
}

// SetClock replaces the time source.
func (p *Planner) SetClock(clock func() time.Time) {
	if clock != nil {
		p.clock = clock
	}
}

// Decompose builds a NOT_STARTED plan for t with every step PENDING. Steps
// come from t.Steps when present, otherwise from the template matching the
// objective. Dependency problems are not rejected here; see Validate.
func (p *Planner) Decompose(t *task.Task) (*Plan, error) {
	if t == nil || strings.TrimSpace(t.Objective) == "" {
		return nil, fmt.Errorf("decompose: %w: objective is required", task.ErrInvalidTask)
	}
	now := p.clock().UTC()

	var (
		steps    []Step
		taskType TaskType
	)
	if len(t.Steps) > 0 {
		taskType = TaskTypeExplicit
		steps = p.explicitSteps(t.Steps)
	} else {
		taskType = ClassifyTaskType(t.Objective)
		steps = templateSteps(taskType, strings.ToLower(strings.TrimSpace(t.ActionType)), p.maxAttempts)
	}

	criteria := t.SuccessCriteria
	if len(criteria) == 0 {
		criteria = DefaultSuccessCriteria
	}

	return &Plan{
		ID:              newPlanID(now),
		Objective:       t.Objective,
		TaskID:          t.ID,
		TaskType:        taskType,
		Confidence:      p.EstimateConfidence(t),
		SuccessCriteria: append([]string(nil), criteria...),
		Steps:           steps,
		Status:          PlanStatusNotStarted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (p *Planner) explicitSteps(specs []task.StepSpec) []Step {
	steps := make([]Step, 0, len(specs))
	for i, s := range specs {
		step := Step{
			ID:              s.ID,
			Name:            s.Name,
			Description:     s.Description,
			Actions:         append([]string(nil), s.Actions...),
			Alternatives:    append([]string(nil), s.Alternatives...),
			ExpectedOutputs: append([]string(nil), s.ExpectedOutputs...),
			Dependencies:    append([]string(nil), s.Dependencies...),
			IsCritical:      true,
			Status:          StepStatusPending,
			MaxAttempts:     s.MaxAttempts,
		}
		if step.ID == "" {
			step.ID = stepID(i)
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("Step %d", i+1)
		}
		if s.IsCritical != nil {
			step.IsCritical = *s.IsCritical
		}
		if step.MaxAttempts <= 0 {
			step.MaxAttempts = p.maxAttempts
		}
		steps = append(steps, step)
	}
	return steps
}

// EstimateConfidence rates how well the planner understands t.
func (p *Planner) EstimateConfidence(t *task.Task) float64 {
	if t == nil {
		return 0
	}
	if len(t.Steps) > 0 {
		return ConfidenceExplicit
	}
	if ClassifyTaskType(t.Objective) != TaskTypeGeneric {
		return ConfidenceTemplate
	}
	return ConfidenceGeneric
}

// Validate reports duplicate ids, dependencies on missing steps and cycles.
// All problems are joined into one error.
func (p *Planner) Validate(plan *Plan) error {
	var errs []error

	stepIDs := make(map[string]bool)
	for _, step := range plan.Steps {
		if stepIDs[step.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID))
		}
		stepIDs[step.ID] = true
	}

	for _, step := range plan.Steps {
		for _, depID := range step.Dependencies {
			if !stepIDs[depID] {
				errs = append(errs, fmt.Errorf("%w: step %s depends on %q", ErrUnknownDependency, step.ID, depID))
			}
		}
	}

	if err := checkCircularDependencies(plan.Steps); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// checkCircularDependencies detects circular dependencies in steps
func checkCircularDependencies(steps []Step) error {
	graph := make(map[string][]string)
	for _, step := range steps {
		graph[step.ID] = append(graph[step.ID], step.Dependencies...)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(stepID string) bool {
		visited[stepID] = true
		recStack[stepID] = true

		for _, dep := range graph[stepID] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[stepID] = false
		return false
	}

	// Definition order keeps the reported step stable.
	for _, step := range steps {
		if !visited[step.ID] {
			if hasCycle(step.ID) {
				return fmt.Errorf("%w involving step %s", ErrCycle, step.ID)
			}
		}
	}

	return nil
}

func newPlanID(now time.Time) string {
	return fmt.Sprintf("plan-%s-%s", now.Format("20060102-150405"), uuid.New().String()[:8])
}

// ExecutionOrder groups step ids into levels: every step's dependencies sit
// in earlier levels. Steps that can never run are left out and reported.
func (p *Planner) ExecutionOrder(plan *Plan) ([][]string, error) {
	dependents := make(map[string][]string)
	inDegree := make(map[string]int)

	for _, step := range plan.Steps {
		if _, exists := inDegree[step.ID]; !exists {
			inDegree[step.ID] = 0
		}
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	var queue []string
	for _, step := range plan.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	var levels [][]string
	total := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		total += len(queue)

		var next []string
		for _, stepID := range queue {
			for _, dependent := range dependents[stepID] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		queue = next
	}

	if total != len(plan.Steps) {
		return levels, fmt.Errorf("cannot determine execution order: %d step(s) have circular or missing dependencies", len(plan.Steps)-total)
	}
	return levels, nil
}
