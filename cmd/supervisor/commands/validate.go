package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OpenPeerPower/supervisor/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the supervisor configuration",
		Long: `Parse the configuration file and check every setting.

Unknown keys and values violating a constraint are reported with their
path. A missing file is valid and yields the defaults.`,
		Example: `  # Validate the default configuration
  supervisor validate

  # Validate a specific file
  supervisor validate --config ./supervisor.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
				log.Warn().Str("config", configPath).Msg("Config file not found, checking defaults")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, ve := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", ve.Path, ve.Message)
					}
				}
				return fmt.Errorf("%s: %w", configPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (data: %s, plugins: %d)\n",
				cfg.Paths.Data, len(cfg.Plugins))
			return nil
		},
	}

	return cmd
}
