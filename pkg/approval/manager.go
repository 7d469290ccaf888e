package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mahnoorkhalid8/digitalfte/internal/metrics"
	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

const (
	idAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	idAttempts = 5

	// SystemActor is recorded as decided_by when the Manager expires a request.
	SystemActor = "system"
)

// Config configures a Manager.
type Config struct {
	// PollInterval is the time between document reads while monitoring.
	PollInterval time.Duration
	// DefaultTimeout applies to priorities missing from Timeouts.
	DefaultTimeout time.Duration
	Timeouts       map[Priority]time.Duration
	// RequestedBy is used when a task does not name its requester.
	RequestedBy string

	Logger  zerolog.Logger
	Clock   func() time.Time
	Metrics *metrics.Metrics
	Sink    observability.Sink
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		DefaultTimeout: time.Hour,
		Timeouts:       DefaultTimeouts,
		RequestedBy:    "ai_employee",
		Logger:         zerolog.Nop(),
		Clock:          time.Now,
	}
}

// Manager creates approval requests and reconciles human decisions.
type Manager struct {
	store      *Store
	classifier *Classifier
	cfg        Config
	logger     zerolog.Logger
	sink       observability.Sink

	mu       sync.Mutex
	observed map[string]*Decision
	active   map[string]int
}

// NewManager creates a Manager. Zero fields of cfg take DefaultConfig values.
func NewManager(st *Store, classifier *Classifier, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = def.Timeouts
	}
	if cfg.RequestedBy == "" {
		cfg.RequestedBy = def.RequestedBy
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return &Manager{
		store:      st,
		classifier: classifier,
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "approval").Logger(),
		sink:       observability.OrNop(cfg.Sink),
		observed:   make(map[string]*Decision),
		active:     make(map[string]int),
	}
}

// IsSensitive reports whether t needs human approval.
func (m *Manager) IsSensitive(t *task.Task) bool {
	return m.classifier.IsSensitive(t)
}

// Classifier returns the classifier used by the Manager.
func (m *Manager) Classifier() *Classifier {
	return m.classifier
}

// TimeoutFor returns the expiry window of a priority.
func (m *Manager) TimeoutFor(p Priority) time.Duration {
	if d, ok := m.cfg.Timeouts[p]; ok && d > 0 {
		return d
	}
	return m.cfg.DefaultTimeout
}

// CreateRequest writes a new PENDING request for t and returns its id.
func (m *Manager) CreateRequest(ctx context.Context, t *task.Task, risk RiskAnalysis) (string, error) {
	if t == nil {
		return "", fmt.Errorf("create approval request: %w", task.ErrInvalidTask)
	}
	now := m.cfg.Clock().UTC()
	priority := ParsePriority(t.Priority)
	timeout := m.TimeoutFor(priority)

	req := &Request{
		Status:      StatusPending,
		ActionType:  t.ActionType,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
		RequestedBy: t.RequestedBy,
		Title:       t.DisplayTitle(),
		TaskID:      t.ID,
		Risk:        risk,
		Task:        t,
	}
	if req.RequestedBy == "" {
		req.RequestedBy = m.cfg.RequestedBy
	}
	if d := t.Details; d != nil {
		req.Action = Action{
			Description:     d.Description,
			Server:          d.Server,
			Method:          d.Method,
			Parameters:      d.Parameters,
			Context:         d.Context,
			Reasoning:       d.Reasoning,
			ExpectedOutcome: d.ExpectedOutcome,
		}
		req.Preview = d.Preview
	}
	if req.Action.Description == "" {
		req.Action.Description = t.Objective
	}

	var err error
	for i := 0; i < idAttempts; i++ {
		req.ID, err = newID(now)
		if err != nil {
			return "", fmt.Errorf("generate approval id: %w", err)
		}
		err = m.store.Create(ctx, req)
		if !errors.Is(err, store.ErrExists) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("create approval request: %w", err)
	}

	m.cfg.Metrics.ApprovalCreated(req.ActionType, string(priority))
	m.sink.Record(ctx, observability.Event{
		Kind:      observability.KindApproval,
		Timestamp: now,
		Subject:   req.ID,
		Action:    "created",
		Status:    string(StatusPending),
		Actor:     req.RequestedBy,
		Metadata: map[string]interface{}{
			"action_type": req.ActionType,
			"priority":    string(priority),
			"task_id":     req.TaskID,
			"expires_at":  formatTime(req.ExpiresAt),
		},
	})
	m.logger.Info().
		Str("approval_id", req.ID).
		Str("action_type", req.ActionType).
		Str("priority", string(priority)).
		Dur("expires_in", timeout).
		Msg("Approval request created")
	return req.ID, nil
}

func newID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(idAlphabet, 6)
	if err != nil {
		return "", err
	}
	return "APR-" + now.Format("20060102") + "-" + suffix, nil
}

// Monitor polls request id until it reaches a terminal status and returns
// that status with the decision fields.
//
// The deadline is created_at + timeout; a non-positive timeout uses the
// request's expires_at. Expiry is judged against the clock on every wake-up,
// so a late poll still expires at the right time. A document that disappears
// counts as REJECTED. Monitor returns an error only when ctx is done.
func (m *Manager) Monitor(ctx context.Context, id string, timeout time.Duration) (Status, *Decision, error) {
	if d, ok := m.firstObservation(id); ok {
		return d.Status, d, nil
	}

	ctx, span := tracing.StartSpan(ctx, "approval", "approval.monitor",
		attribute.String("approval.id", id))
	defer span.End()

	m.track(id, 1)
	defer m.track(id, -1)
	m.cfg.Metrics.MonitorStarted()
	defer m.cfg.Metrics.MonitorStopped()

	start := m.cfg.Clock()
	deadline := start.Add(timeout)
	if timeout <= 0 {
		deadline = start.Add(m.cfg.DefaultTimeout)
	}
	known := false

	m.logger.Info().
		Str("approval_id", id).
		Dur("timeout", timeout).
		Dur("poll_interval", m.cfg.PollInterval).
		Msg("Monitoring approval")

	for {
		req, err := m.store.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			m.logger.Error().Str("approval_id", id).Msg("Approval document was removed, treating as REJECTED")
			d := &Decision{
				ApprovalID: id,
				Status:     StatusRejected,
				DecidedAt:  m.cfg.Clock().UTC(),
				Comments:   "approval document removed",
			}
			d = m.observe(ctx, d, start)
			span.SetAttributes(attribute.String("approval.status", string(d.Status)))
			return d.Status, d, nil
		case err != nil:
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			m.logger.Error().Err(err).Str("approval_id", id).Msg("Error reading approval, will retry")
		default:
			if !known {
				known = true
				if timeout > 0 && !req.CreatedAt.IsZero() {
					deadline = req.CreatedAt.Add(timeout)
				} else if timeout <= 0 && !req.ExpiresAt.IsZero() {
					deadline = req.ExpiresAt
				}
			}
			if req.Status.IsTerminal() {
				d := m.observe(ctx, req.Decision(), req.CreatedAt)
				span.SetAttributes(attribute.String("approval.status", string(d.Status)))
				return d.Status, d, nil
			}
		}

		now := m.cfg.Clock()
		if !now.Before(deadline) {
			d, err := m.expire(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				m.logger.Error().Err(err).Str("approval_id", id).Msg("Failed to expire approval, will retry")
			} else {
				span.SetAttributes(attribute.String("approval.status", string(d.Status)))
				return d.Status, d, nil
			}
		} else {
			m.logger.Debug().
				Str("approval_id", id).
				Dur("remaining", deadline.Sub(now)).
				Msg("Approval still pending")
		}

		wait := m.cfg.PollInterval
		if remaining := deadline.Sub(now); remaining > 0 && remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// expire re-reads the request and marks it EXPIRED if it is still pending.
// A decision written just before the deadline wins over expiry.
func (m *Manager) expire(ctx context.Context, id string) (*Decision, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d := &Decision{ApprovalID: id, Status: StatusRejected, DecidedAt: m.cfg.Clock().UTC(), Comments: "approval document removed"}
			return m.observe(ctx, d, time.Time{}), nil
		}
		return nil, err
	}
	if req.Status.IsTerminal() {
		return m.observe(ctx, req.Decision(), req.CreatedAt), nil
	}

	req.Status = StatusExpired
	req.DecidedBy = SystemActor
	req.DecidedAt = m.cfg.Clock().UTC()
	req.Comments = "no decision before " + formatTime(req.ExpiresAt)
	if err := m.store.Replace(ctx, req); err != nil {
		return nil, fmt.Errorf("mark approval %s expired: %w", id, err)
	}
	m.logger.Warn().Str("approval_id", id).Msg("Approval expired")
	return m.observe(ctx, req.Decision(), req.CreatedAt), nil
}

// observe records the first terminal decision for a request and returns the
// decision that wins. Later, different observations are logged as conflicts.
func (m *Manager) observe(ctx context.Context, d *Decision, createdAt time.Time) *Decision {
	m.mu.Lock()
	first, seen := m.observed[d.ApprovalID]
	if !seen {
		m.observed[d.ApprovalID] = d
	}
	m.mu.Unlock()

	if seen {
		if first.Status != d.Status {
			m.reportConflict(ctx, d.ApprovalID, first.Status, d.Status)
		}
		return first
	}

	var waited time.Duration
	if !createdAt.IsZero() {
		waited = m.cfg.Clock().Sub(createdAt)
	}
	m.cfg.Metrics.ApprovalDecided(string(d.Status), waited)
	m.sink.Record(ctx, observability.Event{
		Kind:      observability.KindApproval,
		Timestamp: m.cfg.Clock().UTC(),
		Subject:   d.ApprovalID,
		Action:    "decided",
		Status:    string(d.Status),
		Actor:     d.DecidedBy,
		Metadata:  map[string]interface{}{"comments": d.Comments},
	})
	m.logger.Info().
		Str("approval_id", d.ApprovalID).
		Str("status", string(d.Status)).
		Str("decided_by", d.DecidedBy).
		Msg("Approval decision observed")
	return d
}

func (m *Manager) track(id string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] += delta
	if m.active[id] <= 0 {
		delete(m.active, id)
	}
}

// Monitoring reports whether a Monitor call for id is running.
func (m *Manager) Monitoring(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id] > 0
}

func (m *Manager) firstObservation(id string) (*Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.observed[id]
	return d, ok
}

func (m *Manager) reportConflict(ctx context.Context, id string, first, observed Status) {
	err := &ConflictError{ID: id, First: first, Observed: observed}
	m.cfg.Metrics.ApprovalConflict()
	m.sink.Record(ctx, observability.Event{
		Kind:      observability.KindApproval,
		Timestamp: m.cfg.Clock().UTC(),
		Subject:   id,
		Action:    "conflict",
		Status:    string(first),
		Metadata:  map[string]interface{}{"observed": string(observed)},
	})
	m.logger.Error().Err(err).Str("approval_id", id).Msg("Conflicting approval status ignored")
}

// Archive files a decided request under Done with the given outcome. It is
// called after the caller has acted on the decision. The status is re-read
// first; a terminal status that differs from the one acted on is logged as a
// conflict and the first observation still decides the outcome.
func (m *Manager) Archive(ctx context.Context, id string, outcome Outcome) error {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("archive approval %s: %w", id, err)
	}

	status := req.Status
	if first, ok := m.firstObservation(id); ok {
		if req.Status != first.Status {
			m.reportConflict(ctx, id, first.Status, req.Status)
		}
		status = first.Status
	} else if !status.IsTerminal() {
		return fmt.Errorf("archive approval %s: %w", id, ErrUndecided)
	}
	if !outcome.allows(status) {
		return fmt.Errorf("archive approval %s: outcome %s does not follow status %s", id, outcome, status)
	}

	if err := m.store.Archive(ctx, id, outcome); err != nil {
		return fmt.Errorf("archive approval %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.observed, id)
	m.mu.Unlock()

	m.sink.Record(ctx, observability.Event{
		Kind:      observability.KindApproval,
		Timestamp: m.cfg.Clock().UTC(),
		Subject:   id,
		Action:    "archived",
		Status:    string(outcome),
	})
	m.logger.Info().
		Str("approval_id", id).
		Str("outcome", string(outcome)).
		Msg("Archived approval")
	return nil
}

// ListOpen returns every request that has not been archived, decided or not.
func (m *Manager) ListOpen(ctx context.Context) ([]*Request, error) {
	return m.store.List(ctx)
}

// ListPending returns all open PENDING requests.
func (m *Manager) ListPending(ctx context.Context) ([]*Request, error) {
	return m.store.ListByStatus(ctx, StatusPending)
}

// Decide records a reviewer's decision on a pending request, the same edit a
// human makes by hand in the document.
func (m *Manager) Decide(ctx context.Context, id string, approved bool, by, comments string) (*Decision, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", id, err)
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("decide approval %s (%s): %w", id, req.Status, ErrTerminal)
	}

	req.Status = StatusRejected
	if approved {
		req.Status = StatusApproved
	}
	req.DecidedBy = by
	req.DecidedAt = m.cfg.Clock().UTC()
	req.Comments = comments
	if err := m.store.Replace(ctx, req); err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", id, err)
	}

	m.logger.Info().
		Str("approval_id", id).
		Str("status", string(req.Status)).
		Str("decided_by", by).
		Msg("Approval decision recorded")
	return req.Decision(), nil
}

// ExpireOverdue expires every pending request whose expires_at has passed and
// returns their ids. It covers requests whose monitor is no longer running.
func (m *Manager) ExpireOverdue(ctx context.Context) ([]string, error) {
	pending, err := m.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	now := m.cfg.Clock()
	var (
		expired []string
		errs    []error
	)
	for _, req := range pending {
		if req.ExpiresAt.IsZero() || now.Before(req.ExpiresAt) {
			continue
		}
		d, err := m.expire(ctx, req.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Status == StatusExpired {
			expired = append(expired, req.ID)
		}
	}
	return expired, errors.Join(errs...)
}
