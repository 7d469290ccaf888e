// Package pipeline connects the task router, the approval gate and the plan
// engine. Each submitted task is routed synchronously; approval monitoring
// and plan execution continue on their own goroutines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/mahnoorkhalid8/digitalfte/internal/metrics"
	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
	"github.com/mahnoorkhalid8/digitalfte/pkg/approval"
	"github.com/mahnoorkhalid8/digitalfte/pkg/planner"
	"github.com/mahnoorkhalid8/digitalfte/pkg/router"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

// Config wires a Pipeline.
type Config struct {
	Router    *router.Router
	Approvals *approval.Manager
	Engine    *planner.Engine

	// OnResult is called once per submitted task when its flow ends.
	OnResult func(Result)
	// KeepResults retains every Result for Results. Leave it off in long
	// running processes; use OnResult there instead.
	KeepResults bool

	Logger  zerolog.Logger
	Clock   func() time.Time
	Metrics *metrics.Metrics
	Sink    observability.Sink
}

// Submission describes what Submit did with a task.
type Submission struct {
	TaskID     string
	Decision   router.Decision
	Reasons    []string
	Missing    []string
	ApprovalID string
	PlanID     string
}

// Result is the end of one task's flow.
type Result struct {
	Submission
	ApprovalStatus approval.Status
	Approval       *approval.Decision
	Plan           *planner.Plan
	Err            error
}

// Pipeline routes tasks and drives them to a terminal outcome.
type Pipeline struct {
	router    *router.Router
	approvals *approval.Manager
	engine    *planner.Engine
	onResult  func(Result)
	keep      bool

	logger  zerolog.Logger
	clock   func() time.Time
	metrics *metrics.Metrics
	sink    observability.Sink

	wg      conc.WaitGroup
	mu      sync.Mutex
	closed  bool
	results []Result
}

// New creates a Pipeline. Router, Approvals and Engine are required.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pipeline{
		router:    cfg.Router,
		approvals: cfg.Approvals,
		engine:    cfg.Engine,
		onResult:  cfg.OnResult,
		keep:      cfg.KeepResults,
		logger:    cfg.Logger.With().Str("component", "pipeline").Logger(),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		sink:      observability.OrNop(cfg.Sink),
	}
}

// Submit routes t and starts its flow.
//
// NEEDS_CLARIFICATION ends immediately and creates nothing. NEEDS_APPROVAL
// writes an approval request and monitors it in the background; an approved
// task is then planned and executed. EXECUTE_DIRECT creates the plan right
// away and executes it in the background. The returned error covers only the
// synchronous part.
func (p *Pipeline) Submit(ctx context.Context, t *task.Task) (Submission, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Submission{}, ErrClosed
	}

	res := p.router.Explain(t)
	sub := Submission{
		Decision: res.Decision,
		Reasons:  res.Reasons,
		Missing:  res.Missing,
	}
	if t != nil {
		sub.TaskID = t.ID
	}
	ctx = tracing.NewTaskContext(ctx, sub.TaskID)

	p.metrics.RouteDecision(string(res.Decision))
	p.sink.Record(ctx, observability.Event{
		Kind:      observability.KindRoute,
		Timestamp: p.clock().UTC(),
		Subject:   sub.TaskID,
		Action:    "routed",
		Status:    string(res.Decision),
		Metadata:  map[string]interface{}{"reasons": res.Reasons},
	})
	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Info().
		Str("decision", string(res.Decision)).
		Strs("reasons", res.Reasons).
		Msg("Task routed")

	switch res.Decision {
	case router.DecisionNeedsClarification:
		p.deliver(Result{Submission: sub})
		return sub, nil

	case router.DecisionNeedsApproval:
		risk := p.approvals.Classifier().RiskAnalysis(t)
		id, err := p.approvals.CreateRequest(ctx, t, risk)
		if err != nil {
			return sub, fmt.Errorf("submit task %s: %w", sub.TaskID, err)
		}
		sub.ApprovalID = id
		ctx = tracing.WithApprovalID(ctx, id)
		p.spawn(sub, func() Result { return p.gate(ctx, t, sub) })
		return sub, nil

	default:
		plan, err := p.engine.CreatePlan(ctx, t)
		if err != nil {
			return sub, fmt.Errorf("submit task %s: %w", sub.TaskID, err)
		}
		sub.PlanID = plan.ID
		ctx = tracing.WithPlanID(ctx, plan.ID)
		p.spawn(sub, func() Result {
			plan, err := p.execute(ctx, plan)
			return Result{Submission: sub, Plan: plan, Err: err}
		})
		return sub, nil
	}
}

// Resume executes stored plans that were running or never started, such as
// plans interrupted by a restart or resumed by a reviewer.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	plans, err := p.engine.Store().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume plans: %w", err)
	}
	n := 0
	for _, plan := range plans {
		if plan.Status != planner.PlanStatusInProgress && plan.Status != planner.PlanStatusNotStarted {
			continue
		}
		sub := Submission{TaskID: plan.TaskID, Decision: router.DecisionExecuteDirect, PlanID: plan.ID}
		planCtx := tracing.WithPlanID(tracing.NewTaskContext(ctx, plan.TaskID), plan.ID)
		p.spawn(sub, func() Result {
			plan, err := p.execute(planCtx, plan)
			return Result{Submission: sub, Plan: plan, Err: err}
		})
		n++
	}
	if n > 0 {
		p.logger.Info().Int("plans", n).Msg("Resumed stored plans")
	}
	return n, nil
}

// ResumeApprovals picks up open approval requests that nobody is monitoring,
// such as requests left behind by a restart. A request decided in the
// meantime is acted on and archived right away. Requests written without
// their task are left to the sweeper.
func (p *Pipeline) ResumeApprovals(ctx context.Context) (int, error) {
	reqs, err := p.approvals.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume approvals: %w", err)
	}
	n := 0
	for _, req := range reqs {
		if p.approvals.Monitoring(req.ID) {
			continue
		}
		if req.Task == nil {
			p.logger.Warn().Str("approval_id", req.ID).Msg("Approval request has no stored task, not resuming")
			continue
		}
		t := req.Task
		sub := Submission{TaskID: t.ID, Decision: router.DecisionNeedsApproval, ApprovalID: req.ID}
		reqCtx := tracing.WithApprovalID(tracing.NewTaskContext(ctx, t.ID), req.ID)
		p.spawn(sub, func() Result { return p.gate(reqCtx, t, sub) })
		n++
	}
	if n > 0 {
		p.logger.Info().Int("approvals", n).Msg("Resumed approval requests")
	}
	return n, nil
}

// gate waits for the human decision on an approval request and acts on it.
// The request is archived only after the action, so a crash in between leaves
// it pending.
func (p *Pipeline) gate(ctx context.Context, t *task.Task, sub Submission) Result {
	res := Result{Submission: sub}

	timeout := p.approvals.TimeoutFor(approval.ParsePriority(t.Priority))
	status, decision, err := p.approvals.Monitor(ctx, sub.ApprovalID, timeout)
	if err != nil {
		res.Err = err
		return res
	}
	res.ApprovalStatus = status
	res.Approval = decision

	switch status {
	case approval.StatusApproved:
		outcome := approval.OutcomeFailed
		plan, err := p.engine.CreatePlan(ctx, t)
		if err == nil {
			res.PlanID = plan.ID
			plan.HumanApproved = true
			plan, err = p.execute(tracing.WithPlanID(ctx, plan.ID), plan)
			res.Plan = plan
			if err == nil && plan.Status == planner.PlanStatusCompleted {
				outcome = approval.OutcomeExecuted
			}
		}
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
		if err := p.approvals.Archive(ctx, sub.ApprovalID, outcome); err != nil {
			res.Err = errors.Join(res.Err, err)
		}

	case approval.StatusRejected, approval.StatusExpired:
		outcome := approval.OutcomeRejected
		if status == approval.StatusExpired {
			outcome = approval.OutcomeExpired
		}
		res.Err = p.approvals.Archive(ctx, sub.ApprovalID, outcome)
	}
	return res
}

// execute runs plan and archives it once it is final. Halted plans stay in
// the active collection for review.
func (p *Pipeline) execute(ctx context.Context, plan *planner.Plan) (*planner.Plan, error) {
	plan, err := p.engine.ExecuteIteratively(ctx, plan)
	if err != nil {
		return plan, err
	}
	if plan.Status.IsFinal() {
		if err := p.engine.Store().Archive(ctx, plan); err != nil {
			return plan, err
		}
	}
	return plan, nil
}

func (p *Pipeline) spawn(sub Submission, fn func() Result) {
	p.wg.Go(func() {
		var (
			res    Result
			catch  panics.Catcher
			logger = p.logger.With().Str("task_id", sub.TaskID).Logger()
		)
		catch.Try(func() { res = fn() })
		if r := catch.Recovered(); r != nil {
			res = Result{Submission: sub, Err: r.AsError()}
			logger.Error().Str("stack", string(r.Stack)).Msgf("Task flow panicked: %v", r.Value)
		}
		if res.Err != nil {
			logger.Error().Err(res.Err).
				Str("approval_id", res.ApprovalID).
				Str("plan_id", res.PlanID).
				Msg("Task flow ended with error")
		}
		p.deliver(res)
	})
}

func (p *Pipeline) deliver(res Result) {
	if p.keep {
		p.mu.Lock()
		p.results = append(p.results, res)
		p.mu.Unlock()
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Results returns the results delivered so far. It is always empty unless
// KeepResults is set.
func (p *Pipeline) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

// Wait blocks until every started flow has ended.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops accepting tasks and waits for running flows. Cancel the context
// passed to Submit first to abandon monitors that are still waiting.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
