package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OpenPeerPower/supervisor/pkg/config"
	"github.com/OpenPeerPower/supervisor/pkg/snapshots"
	"github.com/OpenPeerPower/supervisor/pkg/supervisor"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

func newSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"snapshot"},
		Short:   "Inspect and manage stored snapshots",
		Long: `Work on the snapshot archives in the backup directory without starting
the supervisor.

Taking and restoring snapshots needs the running supervisor and is not
available here.`,
	}

	cmd.AddCommand(newSnapshotsListCommand())
	cmd.AddCommand(newSnapshotsShowCommand())
	cmd.AddCommand(newSnapshotsRemoveCommand())
	cmd.AddCommand(newSnapshotsImportCommand())

	return cmd
}

// openSnapshots loads the snapshot catalog of the configured installation.
// The returned supervisor must be closed by the caller.
func openSnapshots(ctx context.Context) (*supervisor.Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	tc := cfg.TelemetryConfig("")
	tc.Metrics.Enabled = false
	tc.Tracing.Enabled = false
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, err
	}

	sv, err := supervisor.New(cfg, tel)
	if err != nil {
		return nil, err
	}
	if err := sv.Open(ctx); err != nil {
		_ = sv.Close()
		return nil, err
	}
	if err := sv.Snapshots().Load(ctx); err != nil {
		_ = sv.Close()
		return nil, err
	}
	return sv, nil
}

func newSnapshotsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := openSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			defer sv.Close()

			list := sv.Snapshots().List()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return writeTable(cmd.OutOrStdout(), list)
		},
	}
}

func newSnapshotsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slug>",
		Short: "Show the content of one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := openSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			defer sv.Close()

			snap, ok := sv.Snapshots().Get(args[0])
			if !ok {
				return snapshots.ErrNotFound
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Slug:       %s\n", snap.Slug)
			fmt.Fprintf(out, "Name:       %s\n", snap.Name)
			fmt.Fprintf(out, "Date:       %s (%s)\n", snap.Date, humanize.Time(snap.Time()))
			fmt.Fprintf(out, "Type:       %s\n", snap.Type)
			fmt.Fprintf(out, "Protected:  %t\n", snap.Protected)
			fmt.Fprintf(out, "Size:       %s\n", humanize.Bytes(uint64(snap.Size)))
			if snap.Core.Version != "" {
				fmt.Fprintf(out, "Core:       %s\n", snap.Core.Version)
			}
			fmt.Fprintf(out, "Folders:    %s\n", strings.Join(snap.Folders, ", "))
			for _, a := range snap.Addons {
				fmt.Fprintf(out, "Add-on:     %s %s (%s)\n", a.Slug, a.Version, humanize.Bytes(uint64(a.Size)))
			}
			return nil
		},
	}
}

func newSnapshotsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <slug>",
		Aliases: []string{"rm"},
		Short:   "Delete a snapshot archive",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := openSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			defer sv.Close()

			if err := sv.Snapshots().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("slug", args[0]).Msg("Snapshot removed")
			return nil
		},
	}
}

func newSnapshotsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive>",
		Short: "Validate an archive and move it into the backup directory",
		Example: `  # Import an archive copied from another host
  supervisor snapshots import /tmp/3f2c9a1b.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := openSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			defer sv.Close()

			snap, err := sv.Snapshots().Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Info().Str("slug", snap.Slug).Str("name", snap.Name).Msg("Snapshot imported")
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, list []*snapshots.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tTYPE\tPROTECTED\tSIZE\tCREATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			s.Slug, s.Name, s.Type, s.Protected,
			humanize.Bytes(uint64(s.Size)), humanize.Time(s.Time()))
	}
	return tw.Flush()
}
