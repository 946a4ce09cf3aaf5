package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OpenPeerPower/supervisor/pkg/config"
	"github.com/OpenPeerPower/supervisor/pkg/supervisor"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor",
		Long: `Set up and start the supervisor, then keep it running until interrupted.

On startup the core, the plugins and every add-on marked for automatic boot
are started and the watchdog tasks are scheduled. On SIGINT or SIGTERM the
add-ons and the core are stopped before the process exits.`,
		Example: `  # Run with the default configuration
  supervisor run

  # Run with a custom configuration and a longer stop window
  supervisor run --config ./supervisor.yaml --stop-timeout 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
			if err != nil {
				return err
			}
			defer func() {
				if err := tel.Shutdown(cmd.Context()); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			sv, err := supervisor.New(cfg, tel, supervisor.WithVersion(version))
			if err != nil {
				return err
			}

			log.Info().
				Str("version", version).
				Str("config", configPath).
				Str("data", cfg.Paths.Data).
				Msg("Starting supervisor")
			return sv.Run(cmd.Context(), stopTimeout)
		},
	}

	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 2*time.Minute, "maximum time to stop managed containers")

	return cmd
}
