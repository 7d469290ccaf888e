package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	decideBy      string
	decideComment string
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "List and decide pending approval requests",
	Long: `List and decide pending approval requests. Deciding here is the same as
editing the status in the request document: the monitor waiting on the request
picks up the decision on its next poll.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args[0], false)
	},
}

func init() {
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		c.Flags().StringVar(&decideBy, "by", currentUser(), "name recorded as the decider")
		c.Flags().StringVar(&decideComment, "comment", "", "decision comment")
	}
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	reqs, err := s.runtime.Approvals.ListPending(cmd.Context())
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending approval requests")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tPRIORITY\tEXPIRES IN\tTITLE")
	for _, r := range reqs {
		left := time.Until(r.ExpiresAt)
		expires := "overdue"
		if left > 0 {
			expires = formatDuration(left)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ActionType, r.Priority, expires, r.Title)
	}
	return w.Flush()
}

func runDecide(cmd *cobra.Command, id string, approved bool) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := s.runtime.Approvals.Decide(cmd.Context(), id, approved, decideBy, decideComment)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s by %s\n", id, d.Status, d.DecidedBy)
	return nil
}
