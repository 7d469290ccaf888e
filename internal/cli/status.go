package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mahnoorkhalid8/digitalfte/internal/daemon"
)

var statusSince time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the FTE daemon service, the vault backlog
and the activity recorded in the ledger.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusSince, "since", 24*time.Hour, "ledger activity window")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(s.cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		pid, err := daemon.ReadPID(pidFile)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		// The PID file is written at startup
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	pending, active, err := s.runtime.Counts(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Vault: %s\n", s.cfg.Vault.Root)
	fmt.Fprintf(out, "Pending approvals: %d\n", pending)
	fmt.Fprintf(out, "Active plans: %d\n", active)

	if s.runtime.Ledger == nil {
		return nil
	}
	stats, err := s.runtime.Ledger.Stats(cmd.Context(), time.Now().Add(-statusSince))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nActivity since %s:\n", stats.Since.Local().Format(time.RFC3339))
	printCounts(out, "Routed", stats.Routed)
	printCounts(out, "Plans finished", stats.PlansFinished)
	printCounts(out, "Approval decisions", stats.Decisions)
	fmt.Fprintf(out, "  Step failures: %d\n", stats.StepFailures)

	return nil
}

func printCounts(out io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Fprintf(out, "  %s: none\n", label)
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "  %s:", label)
	for _, k := range keys {
		fmt.Fprintf(out, " %s=%d", k, counts[k])
	}
	fmt.Fprintln(out)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
