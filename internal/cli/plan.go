package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mahnoorkhalid8/digitalfte/pkg/planner"
)

var (
	reviewBy       string
	reviewComment  string
	reviewSkip     []string
	reviewDropDeps []string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and review execution plans",
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans in the plans folder",
	Args:  cobra.NoArgs,
	RunE:  runPlanList,
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan with its steps by execution level",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanShow,
}

var planReviewCmd = &cobra.Command{
	Use:   "review <plan-id> <approve|modify|reject>",
	Short: "Resolve a blocked or waiting plan",
	Long: `Resolve a plan that stopped for human review.

approve resets failed and blocked steps and runs the plan again.
modify applies --skip and --drop-dep edits first, then runs the plan.
reject fails the plan and archives it.`,
	Args: cobra.ExactArgs(2),
	RunE: runPlanReview,
}

func init() {
	planReviewCmd.Flags().StringVar(&reviewBy, "by", currentUser(), "reviewer name recorded on the plan")
	planReviewCmd.Flags().StringVar(&reviewComment, "comment", "", "review comment")
	planReviewCmd.Flags().StringSliceVar(&reviewSkip, "skip", nil, "step ID to skip (modify only)")
	planReviewCmd.Flags().StringSliceVar(&reviewDropDeps, "drop-dep", nil, "dependency to remove as step:dependency (modify only)")

	planCmd.AddCommand(planListCmd, planShowCmd, planReviewCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlanList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	plans, err := s.runtime.Plans.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active plans")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tREASON\tPROGRESS")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\n", p.ID, p.TaskID, p.Status, p.Reason, p.Progress()*100)
	}
	return w.Flush()
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	plan, err := s.runtime.Plans.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), s.runtime.Reviewer.FormatPlanForReview(plan))
	return nil
}

func runPlanReview(cmd *cobra.Command, args []string) error {
	decision, err := planner.ParseReviewDecision(args[1])
	if err != nil {
		return err
	}
	mods, err := reviewModifiers(reviewSkip, reviewDropDeps)
	if err != nil {
		return err
	}
	if len(mods) > 0 && decision != planner.ReviewModify {
		return fmt.Errorf("--skip and --drop-dep require the modify decision")
	}
	if decision == planner.ReviewModify && len(mods) == 0 {
		return fmt.Errorf("modify requires --skip or --drop-dep")
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := s.runtime.ReviewPlan(ctx, args[0], decision, reviewBy, reviewComment, mods...)
	if plan != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Plan %s: %s", plan.ID, plan.Status)
		if plan.Reason != planner.ReasonNone {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", plan.Reason)
		}
		fmt.Fprintf(cmd.OutOrStdout(), ", %.0f%% done\n", plan.Progress()*100)
	}
	return err
}

// reviewModifiers turns the modify flags into plan modifiers.
func reviewModifiers(skip, dropDeps []string) ([]planner.Modifier, error) {
	var mods []planner.Modifier
	for _, id := range skip {
		mods = append(mods, planner.SkipStep(strings.TrimSpace(id)))
	}
	for _, pair := range dropDeps {
		step, dep, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(step) == "" || strings.TrimSpace(dep) == "" {
			return nil, fmt.Errorf("invalid --drop-dep %q, want step:dependency", pair)
		}
		mods = append(mods, planner.DropDependency(strings.TrimSpace(step), strings.TrimSpace(dep)))
	}
	return mods, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "reviewer"
}
