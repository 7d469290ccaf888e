package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

// scripted is an action handler that fails its first failFirst calls, or
// every call when failFirst is negative.
type scripted struct {
	mu        sync.Mutex
	failFirst int
	err       error
	calls     int
	seen      []actions.StepContext
}

func (s *scripted) Capability() actions.Capability { return actions.CapabilityCompute }

func (s *scripted) Execute(ctx context.Context, sc actions.StepContext) (actions.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, sc)
	if s.failFirst < 0 || s.calls <= s.failFirst {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("connection refused")
	}
	out := actions.Output{"done": true}
	for _, name := range sc.ExpectedOutputs {
		out[name] = "ok"
	}
	return out, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// snapshotStore checks every plan rewrite against the previous one.
type snapshotStore struct {
	store.Store
	t *testing.T

	mu     sync.Mutex
	writes int
	last   map[string]Step
}

func (s *snapshotStore) Replace(ctx context.Context, collection, id string, data []byte) error {
	plan, err := DecodePlan(data)
	if err != nil {
		s.t.Errorf("plan snapshot does not decode: %v", err)
	} else {
		s.check(plan)
	}
	return s.Store.Replace(ctx, collection, id, data)
}

func (s *snapshotStore) check(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.last == nil {
		s.last = make(map[string]Step)
	}
	for _, step := range plan.Steps {
		if step.Attempts > step.MaxAttempts {
			s.t.Errorf("step %s: attempts %d above max %d", step.ID, step.Attempts, step.MaxAttempts)
		}
		if prev, ok := s.last[step.ID]; ok && prev.Status.IsTerminal() && step.Status != prev.Status {
			s.t.Errorf("step %s left terminal status %s for %s", step.ID, prev.Status, step.Status)
		}
		s.last[step.ID] = step
	}
}

func (s *snapshotStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fixture struct {
	engine   *Engine
	plans    *PlanStore
	docs     *snapshotStore
	registry *actions.Registry
}

func newFixture(t *testing.T, handlers map[string]actions.Handler, configure func(*EngineConfig)) *fixture {
	t.Helper()

	fs, err := store.NewFileStore(afero.NewMemMapFs(), "/vault", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	docs := &snapshotStore{Store: fs, t: t}
	plans := NewPlanStore(docs, "Plans", "Done", zerolog.Nop())

	registry := actions.NewRegistry()
	for id, h := range handlers {
		if err := registry.Register(id, h); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}

	cfg := EngineConfig{
		Planner: NewPlanner(),
		Store:   plans,
		Actions: registry,
		Logger:  zerolog.Nop(),
	}
	if configure != nil {
		configure(&cfg)
	}
	return &fixture{
		engine:   NewEngine(cfg),
		plans:    plans,
		docs:     docs,
		registry: registry,
	}
}

// newPlan builds a runnable plan from steps, filling defaults.
func newPlan(steps ...Step) *Plan {
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = StepStatusPending
		}
		if steps[i].MaxAttempts == 0 {
			steps[i].MaxAttempts = DefaultMaxAttempts
		}
		if steps[i].Name == "" {
			steps[i].Name = fmt.Sprintf("Step %s", steps[i].ID)
		}
	}
	now := time.Now().UTC()
	return &Plan{
		ID:              fmt.Sprintf("plan-test-%d", now.UnixNano()),
		Objective:       "test objective",
		TaskType:        TaskTypeExplicit,
		Confidence:      ConfidenceExplicit,
		SuccessCriteria: []string{"everything ran"},
		Steps:           steps,
		Status:          PlanStatusNotStarted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
