package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// newRunCommand creates the run command: a one-shot foreground refresh
// without the API server, useful for cron jobs and debugging.
func newRunCommand() *cobra.Command {
	var (
		debugMode bool
		debugDays int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full refresh in the foreground",
		Example: `  # Full refresh with the configured day window
  refreshd run

  # Quick debug refresh over the last 2 days
  refreshd run --debug --days 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			rt, cleanup, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := pipeline.Options{DebugMode: debugMode, DebugDaysOverride: debugDays}
			start := time.Now()

			id, err := rt.engine.Start(opts)
			if err != nil {
				return err
			}
			rt.engine.Wait()

			run, err := rt.store.GetRun(id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.ID, run.Status)
			if completed := run.StagesCompleted(); len(completed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Stages completed: %s\n", strings.Join(completed, ", "))
			}
			for _, sf := range run.StagesFailed() {
				fmt.Fprintf(cmd.OutOrStdout(), "Stage failed: %s: %s\n", sf.StageID, sf.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Completed in %s\n", time.Since(start).Round(time.Millisecond))

			if run.Status == state.RunStatusFailed {
				return fmt.Errorf("refresh failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Run in debug mode")
	cmd.Flags().IntVar(&debugDays, "days", 0, "Override the ingestion day window (debug mode)")

	return cmd
}
