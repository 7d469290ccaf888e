package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/internal/config"
	"github.com/mahnoorkhalid8/digitalfte/internal/metrics"
	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/actions"
	"github.com/mahnoorkhalid8/digitalfte/pkg/approval"
	"github.com/mahnoorkhalid8/digitalfte/pkg/ledger"
	"github.com/mahnoorkhalid8/digitalfte/pkg/pipeline"
	"github.com/mahnoorkhalid8/digitalfte/pkg/planner"
	"github.com/mahnoorkhalid8/digitalfte/pkg/router"
	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Options customizes runtime assembly.
type Options struct {
	// Fs backs the vault. Defaults to the OS filesystem.
	Fs afero.Fs
	// Register adds action handlers before the simulated builtins fill
	// the gaps.
	Register func(*actions.Registry)
	// OnResult is called after the runtime logs a finished task flow.
	OnResult func(pipeline.Result)
	// KeepResults retains results on the pipeline. One-shot commands set
	// it; the daemon never does.
	KeepResults bool
	Clock    func() time.Time
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
}

// Runtime holds the assembled core modules shared by the daemon and the
// one-shot CLI commands.
type Runtime struct {
	Config *config.Config

	Docs      *store.FileStore
	Rules     approval.Rules
	Approvals *approval.Manager
	Planner   *planner.Planner
	Plans     *planner.PlanStore
	Engine    *planner.Engine
	Reviewer  *planner.Reviewer
	Router    *router.Router
	Pipeline  *pipeline.Pipeline
	Actions   *actions.Registry
	Metrics   *metrics.Metrics
	// Ledger is nil when the ledger is disabled.
	Ledger *ledger.Ledger

	audit    *observability.AuditLogger
	sink     observability.Sink
	onResult func(pipeline.Result)
	logger   zerolog.Logger
}

// NewRuntime builds every core module from cfg.
func NewRuntime(cfg *config.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	rt := &Runtime{
		Config:   cfg,
		Metrics:  opts.Metrics,
		onResult: opts.OnResult,
		logger:   logger.With().Str("component", "runtime").Logger(),
	}

	if err := rt.openSinks(); err != nil {
		return nil, err
	}

	docs, err := store.NewFileStore(opts.Fs, cfg.Vault.Root, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Docs = docs

	rules, err := approval.LoadRules(opts.Fs, cfg.Approval.RulesFile)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Rules = rules

	folders := cfg.Vault.Folders
	classifier := approval.NewClassifier(rules, approval.NewDefaultPolicy(cfg.Approval.CompanyDomains, cfg.Approval.FinancialThreshold))
	rt.Approvals = approval.NewManager(
		approval.NewStore(docs, folders.NeedsApproval, folders.Done, logger),
		classifier,
		approval.Config{
			PollInterval:   cfg.PollInterval(),
			DefaultTimeout: cfg.DefaultTimeout(),
			Timeouts:       timeouts(rules, cfg),
			RequestedBy:    cfg.Approval.RequestedBy,
			Logger:         logger,
			Clock:          opts.Clock,
			Metrics:        rt.Metrics,
			Sink:           rt.sink,
		},
	)

	rt.Planner = planner.NewPlanner()
	rt.Planner.SetClock(opts.Clock)
	if cfg.Planner.MaxAttempts > 0 {
		rt.Planner.SetMaxAttempts(cfg.Planner.MaxAttempts)
	}

	rt.Actions = actions.NewRegistry()
	if opts.Register != nil {
		opts.Register(rt.Actions)
	}
	actions.RegisterBuiltins(rt.Actions)

	rt.Plans = planner.NewPlanStore(docs, folders.Plans, folders.Done, logger)
	rt.Engine = planner.NewEngine(planner.EngineConfig{
		Planner:             rt.Planner,
		Store:               rt.Plans,
		Actions:             rt.Actions,
		ConfidenceThreshold: cfg.Planner.ConfidenceThreshold,
		Logger:              logger,
		Clock:               opts.Clock,
		Metrics:             rt.Metrics,
		Sink:                rt.sink,
	})
	rt.Reviewer = planner.NewReviewer(rt.Planner)
	rt.Router = router.New(classifier, rt.Planner, cfg.Planner.ConfidenceThreshold)

	rt.Pipeline = pipeline.New(pipeline.Config{
		Router:    rt.Router,
		Approvals: rt.Approvals,
		Engine:    rt.Engine,
		OnResult:    rt.report,
		KeepResults: opts.KeepResults,
		Logger:      logger,
		Clock:     opts.Clock,
		Metrics:   rt.Metrics,
		Sink:      rt.sink,
	})

	return rt, nil
}

// openSinks opens the audit log and, when enabled, the ledger.
func (rt *Runtime) openSinks() error {
	cfg := rt.Config
	sinks := observability.Multi{}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		audit, err := observability.OpenAuditLogger(filepath.Join(cfg.DataDir, "audit.log"))
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		rt.audit = audit
		sinks = append(sinks, audit)
	}

	if cfg.Ledger.Enabled && cfg.Ledger.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			rt.Close()
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
		l, err := ledger.Open(ledger.Config{Path: cfg.Ledger.Path, Logger: rt.logger})
		if err != nil {
			rt.Close()
			return err
		}
		rt.Ledger = l
		sinks = append(sinks, l)
	}

	rt.sink = sinks
	return nil
}

// timeouts overlays the configured per-priority timeouts on the rule file's.
func timeouts(rules approval.Rules, cfg *config.Config) map[approval.Priority]time.Duration {
	out := rules.Timeouts()
	for p, d := range cfg.TimeoutOverrides() {
		if d > 0 {
			out[approval.Priority(strings.ToLower(p))] = d
		}
	}
	return out
}

func (rt *Runtime) report(res pipeline.Result) {
	event := rt.logger.Info()
	if res.Err != nil {
		event = rt.logger.Error().Err(res.Err)
	}
	event = event.Str("task_id", res.TaskID).Str("decision", string(res.Decision))
	if res.ApprovalID != "" {
		event = event.Str("approval_id", res.ApprovalID).Str("approval_status", string(res.ApprovalStatus))
	}
	if res.Plan != nil {
		event = event.Str("plan_id", res.Plan.ID).Str("plan_status", string(res.Plan.Status))
	}
	event.Msg("Task flow finished")

	if rt.onResult != nil {
		rt.onResult(res)
	}
}

// Submit routes t through the pipeline.
func (rt *Runtime) Submit(ctx context.Context, t *task.Task) (pipeline.Submission, error) {
	return rt.Pipeline.Submit(ctx, t)
}

// Counts returns the number of pending approval requests and of plans still
// in the plans folder.
func (rt *Runtime) Counts(ctx context.Context) (pending, active int, err error) {
	reqs, err := rt.Approvals.ListPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	plans, err := rt.Plans.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(reqs), len(plans), nil
}

// ReviewPlan applies a reviewer decision to a halted plan and, unless the
// plan was rejected, runs it to its next stop. A rejected plan is archived.
func (rt *Runtime) ReviewPlan(ctx context.Context, id string, decision planner.ReviewDecision, by, comments string, mods ...planner.Modifier) (*planner.Plan, error) {
	plan, err := rt.Plans.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	var modify planner.Modifier
	if len(mods) > 0 {
		modify = func(p *planner.Plan) error {
			for _, m := range mods {
				if err := m(p); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if err := rt.Reviewer.Resolve(plan, decision, by, comments, modify); err != nil {
		return nil, err
	}
	if err := rt.Plans.Save(ctx, plan); err != nil {
		return nil, err
	}

	if plan.Status.IsFinal() {
		if err := rt.Plans.Archive(ctx, plan); err != nil {
			return plan, err
		}
		return plan, nil
	}

	plan, err = rt.Engine.ExecuteIteratively(ctx, plan)
	if err != nil {
		return plan, err
	}
	if plan.Status.IsFinal() {
		if err := rt.Plans.Archive(ctx, plan); err != nil {
			return plan, err
		}
	}
	return plan, nil
}

// Close waits for running flows and closes the sinks.
func (rt *Runtime) Close() error {
	if rt.Pipeline != nil {
		rt.Pipeline.Close()
	}
	var sinks []observability.Sink
	if rt.audit != nil {
		sinks = append(sinks, rt.audit)
	}
	if rt.Ledger != nil {
		sinks = append(sinks, rt.Ledger)
	}
	rt.audit, rt.Ledger = nil, nil
	return observability.CloseAll(sinks...)
}
