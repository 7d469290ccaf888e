package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

// Sweeper periodically expires overdue requests that no monitor is watching,
// for example after a restart, and archives them as EXPIRED.
type Sweeper struct {
	manager  *Manager
	schedule string
	logger   zerolog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper running on a cron schedule such as "@every 1m".
func NewSweeper(manager *Manager, schedule string, logger zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		manager:  manager,
		schedule: schedule,
		logger:   logger.With().Str("component", "approval_sweeper").Logger(),
	}
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info().Str("schedule", s.schedule).Msg("Approval sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info().Msg("Approval sweeper stopped")
}

// Sweep runs one pass and returns the ids it expired.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	expired, err := s.manager.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Approval sweep incomplete")
	}
	for _, id := range expired {
		// A live monitor hands the decision to its caller, which archives.
		if s.manager.Monitoring(id) {
			continue
		}
		if err := s.manager.Archive(ctx, id, OutcomeExpired); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Str("approval_id", id).Msg("Failed to archive expired approval")
		}
	}
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("Expired overdue approvals")
	}
	return expired
}
