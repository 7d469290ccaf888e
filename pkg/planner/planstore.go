package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

// PlanStore keeps plan documents in a document store. The engine is the only
// writer of a plan.
type PlanStore struct {
	docs   store.Store
	active string
	done   string
	logger zerolog.Logger
}

// NewPlanStore keeps running plans in the active collection and archived
// ones in done.
func NewPlanStore(docs store.Store, active, done string, logger zerolog.Logger) *PlanStore {
	return &PlanStore{
		docs:   docs,
		active: active,
		done:   done,
		logger: logger.With().Str("component", "plan_store").Logger(),
	}
}

// Save rewrites the whole plan document.
func (s *PlanStore) Save(ctx context.Context, plan *Plan) error {
	data, err := EncodePlan(plan)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.ID, err)
	}
	if err := s.docs.Replace(ctx, s.active, plan.ID, data); err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// Load reads a plan from the active collection.
func (s *PlanStore) Load(ctx context.Context, id string) (*Plan, error) {
	data, err := s.docs.Get(ctx, s.active, id)
	if err != nil {
		return nil, err
	}
	plan, err := DecodePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	return plan, nil
}

// List returns the plans in the active collection. Unreadable documents
// are logged and skipped.
func (s *PlanStore) List(ctx context.Context) ([]*Plan, error) {
	ids, err := s.docs.List(ctx, s.active)
	if err != nil {
		return nil, err
	}
	plans := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		plan, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Error().Err(err).Str("plan_id", id).Msg("Skipping unreadable plan document")
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Archive moves a finished plan to the done collection as <id>-<status>.
func (s *PlanStore) Archive(ctx context.Context, plan *Plan) error {
	if !plan.Status.IsFinal() {
		return fmt.Errorf("archive plan %s: status %s is not final", plan.ID, plan.Status)
	}
	if err := s.docs.Move(ctx, s.active, plan.ID, s.done, plan.ID+"-"+string(plan.Status)); err != nil {
		return fmt.Errorf("archive plan %s: %w", plan.ID, err)
	}
	s.logger.Info().Str("plan_id", plan.ID).Str("status", string(plan.Status)).Msg("Plan archived")
	return nil
}
