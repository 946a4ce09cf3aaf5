package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when neither --config nor SUPERVISOR_CONFIG is
// given.
const DefaultConfigPath = "/data/supervisor.yaml"

func defaultConfigPath() string {
	if path := os.Getenv("SUPERVISOR_CONFIG"); path != "" {
		return path
	}
	return DefaultConfigPath
}

var (
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Open Peer Power Supervisor",
		Long: `The supervisor manages the Open Peer Power core, its plugins and add-ons
on a single host.

It keeps the managed containers alive, applies updates and takes full or
partial snapshots of the installation that can be restored later.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file path (env SUPERVISOR_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSnapshotsCommand())

	return rootCmd
}
