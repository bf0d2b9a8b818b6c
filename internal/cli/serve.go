package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pulsemetrics/refreshd/internal/server"
)

// newServeCommand creates the serve command, the daemon's normal mode.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the refresh control API server",
		Long: `Start the HTTP control API the dashboard talks to.

On startup the run-state store is inspected for a refresh that a prior
process left mid-flight; if one is found it is reported on the status
endpoint until a client resumes or dismisses it.`,
		Example: `  # Start on the default port
  refreshd serve

  # Custom port and state location
  refreshd serve --port 9000 --state /var/lib/refreshd/state.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			rt, cleanup, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				Engine: rt.engine,
				Port:   cfg.ListenPort,
				Logger: logger,
			})
			return srv.Serve(ctx)
		},
	}
}
