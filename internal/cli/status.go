package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulsemetrics/refreshd/internal/state"
)

// newStatusCommand creates the status command, which reads the run-state
// store directly so it works whether or not the daemon is up.
func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current and last refresh state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			store := state.NewSQLiteStore(logger)
			if err := store.Open(cfg.StatePath); err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer func() { _ = store.Close() }()

			current, err := store.GetCurrentRun()
			if err != nil {
				return err
			}
			if current == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No refresh has run yet")
				return nil
			}

			printRun(cmd, "Current", current)

			if current.Status == state.RunStatusRunning {
				return nil
			}
			last, err := store.GetLastTerminalRun()
			if err != nil {
				return err
			}
			if last != nil && last.ID != current.ID {
				printRun(cmd, "Previous", last)
			}
			return nil
		},
	}
}

func printRun(cmd *cobra.Command, label string, run *state.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s run %s (%s)\n", label, run.ID, run.Status)
	fmt.Fprintf(out, "  started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "  finished: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if run.Status == state.RunStatusRunning {
		fmt.Fprintf(out, "  stage:    %s (%d%%), overall %d%%\n", run.CurrentStageID, run.StageProgress, run.OverallProgress)
		if run.CurrentOperation != "" {
			fmt.Fprintf(out, "  doing:    %s\n", run.CurrentOperation)
		}
	}
	if completed := run.StagesCompleted(); len(completed) > 0 {
		fmt.Fprintf(out, "  completed: %s\n", strings.Join(completed, ", "))
	}
	for _, sf := range run.StagesFailed() {
		fmt.Fprintf(out, "  failed:    %s: %s\n", sf.StageID, sf.Error)
	}
}
