package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mahnoorkhalid8/digitalfte/pkg/pipeline"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

var routeCmd = &cobra.Command{
	Use:   "route <task-file>",
	Short: "Show how a task would be routed",
	Long: `Classify a task file and print the routing decision with its reasons.
Nothing is written to the vault.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoute,
}

var submitCmd = &cobra.Command{
	Use:   "submit <task-file>",
	Short: "Submit a task file for execution",
	Long: `Route a task file and start its flow. Sensitive tasks create an approval
request in the vault and the command waits for the human decision; others are
planned and executed. Interrupting the command leaves a started plan in the
plans folder, where the daemon resumes it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(submitCmd)
}

func runRoute(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := task.LoadFile(afero.NewOsFs(), args[0])
	if err != nil {
		return err
	}

	res := s.runtime.Router.Explain(t)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task: %s\n", t.ID)
	fmt.Fprintf(out, "Decision: %s\n", res.Decision)
	if res.Confidence > 0 {
		fmt.Fprintf(out, "Plan confidence: %.0f%%\n", res.Confidence*100)
	}
	writeList(out, "Missing", res.Missing)
	writeList(out, "Reasons", res.Reasons)
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := task.LoadFile(afero.NewOsFs(), args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := s.runtime.Submit(ctx, t)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task: %s\n", sub.TaskID)
	fmt.Fprintf(out, "Decision: %s\n", sub.Decision)
	writeList(out, "Missing", sub.Missing)
	writeList(out, "Reasons", sub.Reasons)
	if sub.ApprovalID != "" {
		fmt.Fprintf(out, "Approval request: %s\n", s.runtime.Docs.Path(s.cfg.Vault.Folders.NeedsApproval, sub.ApprovalID))
	}

	s.runtime.Pipeline.Wait()

	for _, res := range s.runtime.Pipeline.Results() {
		if res.TaskID == sub.TaskID {
			writeResult(out, res)
		}
	}
	return nil
}

func writeResult(out io.Writer, res pipeline.Result) {
	if res.ApprovalStatus != "" {
		fmt.Fprintf(out, "Approval: %s\n", res.ApprovalStatus)
	}
	if res.Plan != nil {
		fmt.Fprintf(out, "Plan %s: %s", res.Plan.ID, res.Plan.Status)
		if res.Plan.Reason != "" {
			fmt.Fprintf(out, " (%s)", res.Plan.Reason)
		}
		fmt.Fprintf(out, ", %.0f%% done\n", res.Plan.Progress()*100)
	}
	if res.Err != nil {
		fmt.Fprintf(out, "Error: %v\n", res.Err)
	}
}

func writeList(out io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n  - %s\n", label, strings.Join(items, "\n  - "))
}
